package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/sfu"
	"github.com/isqad/livelook-gateway/internal/telemetry"
)

const defaultCallTimeout = 10 * time.Second

// ErrNotJoined is returned to a connection that has no room membership.
var ErrNotJoined = fmt.Errorf("%w: connection has not joined a room", sfu.ErrPeerNotFound)

type Options struct {
	Rooms       *sfu.RoomRegistry
	CallTimeout time.Duration
	Events      eventbus.Publisher
}

// membership is the room a connection has joined and its peer id there.
type membership struct {
	roomID string
	peerID string
}

type handlerFunc func(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error)

// Gateway turns signaling requests into registry operations. Requests of one
// connection must be handed in sequentially.
type Gateway struct {
	rooms    *sfu.RoomRegistry
	timeout  time.Duration
	events   eventbus.Publisher
	handlers map[string]handlerFunc

	lock     sync.RWMutex
	sessions map[string]membership
}

func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		rooms:    opts.Rooms,
		timeout:  opts.CallTimeout,
		events:   opts.Events,
		sessions: make(map[string]membership),
	}
	if g.timeout <= 0 {
		g.timeout = defaultCallTimeout
	}
	if g.events == nil {
		g.events = eventbus.Nop
	}

	g.handlers = map[string]handlerFunc{
		CreateRoomMethod:           g.createRoom,
		JoinRoomMethod:             g.joinRoom,
		LeaveRoomMethod:            g.leaveRoom,
		DeleteRoomMethod:           g.deleteRoom,
		CreateTransportMethod:      g.createTransport,
		CreatePlainTransportMethod: g.createPlainTransport,
		ConnectTransportMethod:     g.connectTransport,
		ProduceMethod:              g.produce,
		ConsumeMethod:              g.consume,
		CloseProducerMethod:        g.closeProducer,
	}

	return g
}

func (g *Gateway) Rooms() *sfu.RoomRegistry {
	return g.rooms
}

// Handle runs one request under the engine call timeout. Failures and
// handler panics come back as an error result.
func (g *Gateway) Handle(ctx context.Context, conn sfu.Connection, req *Request) (result Result) {
	started := time.Now()
	method := req.Method

	handler, ok := g.handlers[method]
	if !ok {
		telemetry.RequestHandled("unknown", errorType(ErrUnknownMethod), time.Since(started))
		return failure(fmt.Errorf("%w: %s", ErrUnknownMethod, method))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("service", "signaling").Str("method", method).Str("connID", conn.ID()).Interface("panic", r).Msg("handler panic")
			result = failure(fmt.Errorf("internal error: %v", r))
		}
		telemetry.RequestHandled(method, errorType(result.Err), time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, err := handler(ctx, conn, req)
	if err != nil {
		log.Debug().Err(err).Str("service", "signaling").Str("method", method).Str("connID", conn.ID()).Msg("request failed")
		return failure(err)
	}
	return success(data)
}

// Disconnect removes the connection's peer, if any.
func (g *Gateway) Disconnect(conn sfu.Connection) {
	m, ok := g.takeSession(conn.ID(), "")
	if !ok {
		return
	}
	g.leave(m)
	g.refreshStats()
}

func (g *Gateway) member(conn sfu.Connection) (membership, error) {
	g.lock.RLock()
	defer g.lock.RUnlock()

	m, ok := g.sessions[conn.ID()]
	if !ok {
		return membership{}, ErrNotJoined
	}
	return m, nil
}

func (g *Gateway) setSession(connID string, m membership) {
	g.lock.Lock()
	g.sessions[connID] = m
	g.lock.Unlock()
}

// bindSession records the membership of a freshly added peer. A peer evicted
// by delete-room before the membership landed leaves no session behind.
func (g *Gateway) bindSession(connID, roomID string, peer *sfu.Peer) error {
	g.setSession(connID, membership{roomID: roomID, peerID: peer.ID})
	if peer.Closed() {
		g.takeSession(connID, roomID)
		return sfu.ErrRoomNotFound
	}
	return nil
}

// takeSession drops the membership of connID. A non-empty roomID only drops
// a membership of that room.
func (g *Gateway) takeSession(connID, roomID string) (membership, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	m, ok := g.sessions[connID]
	if !ok || (roomID != "" && m.roomID != roomID) {
		return membership{}, false
	}
	delete(g.sessions, connID)
	return m, true
}

// leave removes the peer and tells the rest of the room.
func (g *Gateway) leave(m membership) {
	peer, err := g.rooms.RemovePeer(m.roomID, m.peerID)
	if err != nil {
		log.Warn().Err(err).Str("service", "signaling").Str("roomID", m.roomID).Str("peerID", m.peerID).Msg("close peer resources")
	}
	if peer == nil {
		return
	}

	g.broadcast(m.roomID, m.peerID, PeerLeftNotification, PeerEvent{PeerID: m.peerID})
	g.publish(eventbus.PeerLeft, m.roomID, m.peerID, "")
}

// broadcast notifies every peer of the room except the one given.
func (g *Gateway) broadcast(roomID, exceptPeerID, method string, data interface{}) {
	peers, err := g.rooms.ListPeers(roomID)
	if err != nil {
		return
	}
	for _, peer := range peers {
		if peer.ID == exceptPeerID {
			continue
		}
		notify(peer.Connection, method, data)
	}
}

func notify(conn sfu.Connection, method string, data interface{}) {
	if conn == nil {
		return
	}
	if err := conn.Notify(method, data); err != nil {
		log.Warn().Err(err).Str("service", "signaling").Str("connID", conn.ID()).Str("method", method).Msg("notify")
	}
}

// publish never fails a request.
func (g *Gateway) publish(t eventbus.EventType, roomID, peerID, resourceID string) {
	if err := g.events.Publish(context.Background(), eventbus.NewEvent(t, roomID, peerID, resourceID)); err != nil {
		log.Error().Err(err).Str("service", "signaling").Str("type", string(t)).Str("roomID", roomID).Msg("publish event")
	}
}

func (g *Gateway) refreshStats() {
	rooms := g.rooms.Rooms()
	peers := 0
	for _, room := range rooms {
		peers += room.PeerCount()
	}
	telemetry.SetRoomStats(len(rooms), peers)
}

func errorType(err error) string {
	var engineErr *sfu.EngineError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &engineErr):
		return "engine_error"
	case errors.Is(err, sfu.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, sfu.ErrRoomAlreadyExists):
		return "room_already_exists"
	case errors.Is(err, sfu.ErrPeerNotFound):
		return "peer_not_found"
	case errors.Is(err, sfu.ErrTransportNotFound):
		return "transport_not_found"
	case errors.Is(err, sfu.ErrProducerNotFound):
		return "producer_not_found"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrUnknownMethod):
		return "unknown_method"
	default:
		return "internal"
	}
}

type userIDKey struct{}

// WithUserID attaches the verified user of a connection to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}
