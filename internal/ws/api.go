package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/eventbus"
)

type PeerView struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	Transports int       `json:"transports"`
	Producers  int       `json:"producers"`
	Consumers  int       `json:"consumers"`
}

type RoomView struct {
	ID        string     `json:"id"`
	RouterID  string     `json:"routerId"`
	CreatedAt time.Time  `json:"createdAt"`
	Peers     []PeerView `json:"peers"`
}

type RoomsView struct {
	Connections int        `json:"connections"`
	Rooms       []RoomView `json:"rooms"`
}

type EventsView struct {
	RoomID string           `json:"roomId"`
	Events []eventbus.Event `json:"events"`
}

type errorView struct {
	Error string `json:"error"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (app *App) roomsHandler(w http.ResponseWriter, r *http.Request) {
	view := RoomsView{
		Connections: app.connections.Len(),
		Rooms:       []RoomView{},
	}

	for _, room := range app.Gateway.Rooms().Rooms() {
		roomView := RoomView{
			ID:        room.ID,
			RouterID:  room.Router.ID(),
			CreatedAt: room.CreatedAt,
			Peers:     []PeerView{},
		}
		for _, peer := range room.Peers() {
			roomView.Peers = append(roomView.Peers, PeerView{
				ID:         peer.ID,
				UserID:     peer.UserID,
				JoinedAt:   peer.JoinedAt,
				Transports: len(peer.Transports()),
				Producers:  len(peer.Producers()),
				Consumers:  len(peer.Consumers()),
			})
		}
		view.Rooms = append(view.Rooms, roomView)
	}

	writeJSON(w, http.StatusOK, view)
}

const maxEventsLimit = 1000

func (app *App) roomEventsHandler(w http.ResponseWriter, r *http.Request) {
	if app.Journal == nil {
		writeJSON(w, http.StatusNotFound, errorView{Error: "journal is not configured"})
		return
	}

	roomID := chi.URLParam(r, "roomID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	events, err := app.Journal.Events(r.Context(), roomID, limit)
	if err != nil {
		log.Error().Err(err).Str("service", "api").Str("roomID", roomID).Msg("read journal")
		writeJSON(w, http.StatusInternalServerError, errorView{Error: "can't read journal"})
		return
	}

	writeJSON(w, http.StatusOK, EventsView{RoomID: roomID, Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("encode response")
	}
}
