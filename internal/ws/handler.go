package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/signaling"
	"github.com/isqad/livelook-gateway/internal/telemetry"
)

const (
	wsConnIDSessionKey = "connID"
	wsUserIDSessionKey = "userID"
)

func WsHandler(websocket *melody.Melody) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := map[string]interface{}{
			wsConnIDSessionKey: uuid.NewString(),
			wsUserIDSessionKey: UserIDFromRequest(r),
		}

		if err := websocket.HandleRequestWithKeys(w, r, keys); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle request")
		}
	}
}

func (app *App) connectHandler(s *melody.Session) {
	connID, _ := s.Keys[wsConnIDSessionKey].(string)
	userID, _ := s.Keys[wsUserIDSessionKey].(string)

	conn := newConnection(connID, userID, s)
	app.connections.add(s, conn)
	telemetry.ConnectionOpened()

	log.Debug().Str("service", "ws").Str("connID", connID).Str("userID", userID).Msg("connected")
}

func (app *App) disconnectHandler(s *melody.Session) {
	conn, ok := app.connections.remove(s)
	if !ok {
		return
	}
	telemetry.ConnectionClosed()

	app.Gateway.Disconnect(conn)

	log.Debug().Str("service", "ws").Str("connID", conn.ID()).Msg("disconnected")
}

func (app *App) textMessageHandler(s *melody.Session, msg []byte) {
	app.handleMessage(s, signaling.JSON, msg)
}

func (app *App) binaryMessageHandler(s *melody.Session, msg []byte) {
	app.handleMessage(s, signaling.Msgpack, msg)
}

// handleMessage runs on the session's read loop, so requests of one
// connection are handled in arrival order.
func (app *App) handleMessage(s *melody.Session, codec signaling.Codec, msg []byte) {
	conn, ok := app.connections.get(s)
	if !ok {
		return
	}
	conn.useCodec(codec)

	req, err := codec.DecodeRequest(msg)
	if err != nil {
		log.Debug().Err(err).Str("service", "ws").Str("connID", conn.ID()).Msg("decode request")
		conn.respond(codec, nil, signaling.Result{Err: err})
		return
	}

	ctx := signaling.WithUserID(context.Background(), conn.userID)
	result := app.Gateway.Handle(ctx, conn, req)
	conn.respond(codec, req.ID, result)
}
