package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/isqad/livelook-gateway/internal/config"
	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/rtc"
	"github.com/isqad/livelook-gateway/internal/rtc/rtctest"
	"github.com/isqad/livelook-gateway/internal/sfu"
	"github.com/isqad/livelook-gateway/internal/signaling"
)

type mockJournal struct {
	events []eventbus.Event
	err    error

	mu     sync.Mutex
	limits []int
}

func (j *mockJournal) Events(_ context.Context, roomID string, limit int) ([]eventbus.Event, error) {
	j.mu.Lock()
	j.limits = append(j.limits, limit)
	j.mu.Unlock()
	return j.events, j.err
}

func (j *mockJournal) Limits() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]int(nil), j.limits...)
}

func newTestApp(t *testing.T, options AppOptions) (*App, *httptest.Server) {
	t.Helper()

	routers := sfu.NewRouterRegistry(sfu.RouterRegistryOptions{
		Worker: rtctest.NewWorker(),
		MediaCodecs: []*rtc.RtpCodecCapability{
			{Kind: rtc.AudioKind, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			{Kind: rtc.VideoKind, MimeType: "video/VP8", ClockRate: 90000},
		},
		ListenIP: rtc.ListenIP{IP: "127.0.0.1"},
	})
	options.Gateway = signaling.NewGateway(signaling.Options{
		Rooms:       sfu.NewRoomRegistry(routers),
		CallTimeout: time.Second,
	})

	app := New(options)
	ts := httptest.NewServer(app.Router())
	t.Cleanup(ts.Close)

	return app, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })

	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, id int, method string, params interface{}) {
	t.Helper()

	require.NoError(t, c.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}))
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)

	msg := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestSignalingRoundTrip(t *testing.T) {
	_, ts := newTestApp(t, AppOptions{})

	c1 := dial(t, ts)
	sendJSON(t, c1, 1, signaling.CreateRoomMethod, "r1")
	resp := readJSON(t, c1)
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, float64(1), resp["id"])
	result := resp["result"].(map[string]interface{})
	assert.Contains(t, result, "routerRtpCapabilities")

	sendJSON(t, c1, 2, signaling.JoinRoomMethod, "r1")
	resp = readJSON(t, c1)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, result["peers"])

	// the second client talks msgpack
	c2 := dial(t, ts)
	frame, err := signaling.Msgpack.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  signaling.JoinRoomMethod,
		"params":  map[string]string{"roomId": "r1"},
	})
	require.NoError(t, err)
	require.NoError(t, c2.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := c2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	binaryResp := map[string]interface{}{}
	require.NoError(t, msgpack.Unmarshal(data, &binaryResp))
	binaryResult := binaryResp["result"].(map[string]interface{})
	assert.Len(t, binaryResult["peers"], 1)

	notification := readJSON(t, c1)
	assert.Equal(t, signaling.PeerJoinedNotification, notification["method"])
	assert.NotContains(t, notification, "id")

	rooms := RoomsView{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/rooms", &rooms))
	assert.Equal(t, 2, rooms.Connections)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "r1", rooms.Rooms[0].ID)
	assert.Len(t, rooms.Rooms[0].Peers, 2)

	require.NoError(t, c2.Close())
	notification = readJSON(t, c1)
	assert.Equal(t, signaling.PeerLeftNotification, notification["method"])

	rooms = RoomsView{}
	getJSON(t, ts.URL+"/api/v1/rooms", &rooms)
	require.Len(t, rooms.Rooms, 1)
	assert.Len(t, rooms.Rooms[0].Peers, 1)
}

func TestSignalingErrors(t *testing.T) {
	_, ts := newTestApp(t, AppOptions{})
	c := dial(t, ts)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := readJSON(t, c)
	assert.Nil(t, resp["id"])
	assert.Equal(t, map[string]interface{}{"error": "malformed request"}, resp["result"])

	sendJSON(t, c, 5, signaling.JoinRoomMethod, "missing")
	resp = readJSON(t, c)
	assert.Equal(t, float64(5), resp["id"])
	assert.Equal(t, map[string]interface{}{"error": "room not found"}, resp["result"])
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestApp(t, AppOptions{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	c := dial(t, ts)
	sendJSON(t, c, 1, signaling.CreateRoomMethod, "r1")
	readJSON(t, c)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "livelook_signaling_requests_total")
}

func TestDevelopmentRouter(t *testing.T) {
	_, ts := newTestApp(t, AppOptions{Env: config.DevelopmentEnv})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rooms := RoomsView{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/rooms", &rooms))
	assert.Empty(t, rooms.Rooms)
}

func TestRoomEvents(t *testing.T) {
	t.Run("without journal", func(t *testing.T) {
		_, ts := newTestApp(t, AppOptions{})

		view := map[string]interface{}{}
		assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/rooms/r1/events", &view))
	})

	t.Run("with journal", func(t *testing.T) {
		journal := &mockJournal{events: []eventbus.Event{
			eventbus.NewEvent(eventbus.PeerJoined, "r1", "p1", ""),
		}}
		_, ts := newTestApp(t, AppOptions{Journal: journal})

		view := EventsView{}
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/rooms/r1/events?limit=5", &view))
		assert.Equal(t, "r1", view.RoomID)
		require.Len(t, view.Events, 1)
		assert.Equal(t, eventbus.PeerJoined, view.Events[0].Type)

		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/rooms/r1/events?limit=1000000", &view))
		assert.Equal(t, []int{5, maxEventsLimit}, journal.Limits())
	})

	t.Run("journal failure", func(t *testing.T) {
		_, ts := newTestApp(t, AppOptions{Journal: &mockJournal{err: errors.New("db is down")}})

		view := map[string]interface{}{}
		assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/api/v1/rooms/r1/events", &view))
	})
}
