package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-gateway/internal/signaling"
)

func TestFirebaseAuth(t *testing.T) {
	t.Run("default middleware with given AuthFailFunc", func(t *testing.T) {
		r := chi.NewRouter()

		firebaseAuth := NewFirebaseAuth("localhost:50053")
		firebaseAuth.AuthFailFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusBadRequest)
		}
		r.Use(firebaseAuth.Middleware())

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Hello, world!"))
		})

		ts := httptest.NewServer(r)
		defer ts.Close()

		resp, err := http.Get(ts.URL)
		assert.Nil(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("default middleware without AuthFailFunc", func(t *testing.T) {
		_, ts := newTestApp(t, AppOptions{Auth: NewFirebaseAuth("localhost:50053")})

		resp, err := http.Get(ts.URL + "/ws")
		assert.Nil(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		health, err := http.Get(ts.URL + "/healthz")
		assert.Nil(t, err)
		defer health.Body.Close()
		assert.Equal(t, http.StatusOK, health.StatusCode)
	})

	t.Run("stub handler passes the user to the peer", func(t *testing.T) {
		auth := &FirebaseAuth{
			StubHandler: func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), "user-42")))
				})
			},
		}
		_, ts := newTestApp(t, AppOptions{Auth: auth})

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		c, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		resp.Body.Close()
		defer c.Close()

		sendJSON(t, c, 1, signaling.CreateRoomMethod, "r1")
		readJSON(t, c)
		sendJSON(t, c, 2, signaling.JoinRoomMethod, "r1")
		readJSON(t, c)

		rooms := RoomsView{}
		getJSON(t, ts.URL+"/api/v1/rooms", &rooms)
		require.Len(t, rooms.Rooms, 1)
		require.Len(t, rooms.Rooms[0].Peers, 1)
		assert.Equal(t, "user-42", rooms.Rooms[0].Peers[0].UserID)
	})
}
