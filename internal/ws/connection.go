package ws

import (
	"sync"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/signaling"
)

// connection is a websocket session seen as a signaling connection.
// Notifications use the codec of the last request received.
type connection struct {
	id      string
	userID  string
	session *melody.Session

	lock  sync.RWMutex
	codec signaling.Codec
}

func newConnection(id, userID string, session *melody.Session) *connection {
	return &connection{
		id:      id,
		userID:  userID,
		session: session,
		codec:   signaling.JSON,
	}
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) useCodec(codec signaling.Codec) {
	c.lock.Lock()
	c.codec = codec
	c.lock.Unlock()
}

func (c *connection) currentCodec() signaling.Codec {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.codec
}

func (c *connection) Notify(method string, data interface{}) error {
	codec := c.currentCodec()

	msg, err := codec.Marshal(signaling.NewNotification(method, data))
	if err != nil {
		return err
	}
	return c.write(codec, msg)
}

func (c *connection) respond(codec signaling.Codec, id interface{}, result signaling.Result) {
	msg, err := codec.Marshal(result.Response(id))
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Str("connID", c.id).Msg("encode response")
		return
	}
	if err := c.write(codec, msg); err != nil {
		log.Warn().Err(err).Str("service", "ws").Str("connID", c.id).Msg("write response")
	}
}

func (c *connection) write(codec signaling.Codec, msg []byte) error {
	if codec.Binary() {
		return c.session.WriteBinary(msg)
	}
	return c.session.Write(msg)
}

type connections struct {
	lock     sync.RWMutex
	sessions map[*melody.Session]*connection
}

func newConnections() *connections {
	return &connections{sessions: make(map[*melody.Session]*connection)}
}

func (c *connections) add(s *melody.Session, conn *connection) {
	c.lock.Lock()
	c.sessions[s] = conn
	c.lock.Unlock()
}

func (c *connections) get(s *melody.Session) (*connection, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	conn, ok := c.sessions[s]
	return conn, ok
}

func (c *connections) remove(s *melody.Session) (*connection, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	conn, ok := c.sessions[s]
	delete(c.sessions, s)
	return conn, ok
}

func (c *connections) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.sessions)
}
