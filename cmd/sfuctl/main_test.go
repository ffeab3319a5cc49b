package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/ws"
)

func TestRenderRooms(t *testing.T) {
	joined := time.Date(2022, 5, 1, 10, 0, 0, 0, time.UTC)
	view := ws.RoomsView{
		Connections: 3,
		Rooms: []ws.RoomView{
			{ID: "r1", Peers: []ws.PeerView{
				{ID: "p1", UserID: "u1", JoinedAt: joined, Transports: 2, Producers: 1},
				{ID: "p2", JoinedAt: joined, Transports: 1, Consumers: 1},
			}},
			{ID: "r2"},
		},
	}

	var buf bytes.Buffer
	renderRooms(&buf, view)

	out := buf.String()
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "p2")
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "2022-05-01T10:00:00Z")
	assert.Contains(t, out, "2 rooms")
	assert.Contains(t, out, "2 peers")
	assert.Contains(t, out, "3 connections")
	assert.Contains(t, out, "TRANSPORTS")
}

func TestRenderEvents(t *testing.T) {
	var buf bytes.Buffer
	renderEvents(&buf, []eventbus.Event{
		eventbus.NewEvent(eventbus.ProducerCreated, "r1", "p1", "producer-1"),
	})

	assert.Contains(t, buf.String(), "producer.created")
	assert.Contains(t, buf.String(), "producer-1")
}

func TestFormatEvent(t *testing.T) {
	e := eventbus.Event{
		Type:      eventbus.PeerJoined,
		RoomID:    "r1",
		PeerID:    "p1",
		CreatedAt: time.Date(2022, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, "2022-05-01T10:00:00Z peer.joined       room=r1 peer=p1", formatEvent(e))
}

func TestFetchJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rooms" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ws.RoomsView{Connections: 1, Rooms: []ws.RoomView{{ID: "r1"}}})
	}))
	defer ts.Close()

	view := ws.RoomsView{}
	require.NoError(t, fetchJSON(ts.URL+"/api/v1/rooms", &view))
	assert.Equal(t, 1, view.Connections)
	require.Len(t, view.Rooms, 1)
	assert.Equal(t, "r1", view.Rooms[0].ID)

	err := fetchJSON(ts.URL+"/nope", &view)
	assert.Error(t, err)
}
