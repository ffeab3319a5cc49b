package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	firebase "github.com/isqad/firebase-auth-service/pkg/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type ctxKey string

const (
	// UserIDContextKey is used for extract uid from request context
	UserIDContextKey ctxKey = "userID"

	authVerifyTimeout = 5 * time.Second
)

// AuthFailFunc is function that is called when authentication failed
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

// AuthHandler is optional handler for mocking in tests
type AuthHandler func(next http.Handler) http.Handler

var (
	xAuth             = http.CanonicalHeaderKey("X-Auth")
	ErrEmptyAuthToken = errors.New("empty auth token")
)

// FirebaseAuth verifies tokens with the firebase auth service. Browsers can't
// set headers on a websocket handshake, so the token may also come in the
// "token" query parameter.
type FirebaseAuth struct {
	Addr         string
	AuthFailFunc AuthFailFunc
	StubHandler  AuthHandler
}

func NewFirebaseAuth(addr string) *FirebaseAuth {
	return &FirebaseAuth{Addr: addr}
}

// Middleware is a middleware that verifies token from Firebase Auth
func (m *FirebaseAuth) Middleware() AuthHandler {
	if m.StubHandler != nil {
		return m.StubHandler
	}

	return m.defaultMiddleware()
}

func (m *FirebaseAuth) defaultMiddleware() AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(xAuth)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				m.authFailed(w, r, ErrEmptyAuthToken)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), authVerifyTimeout)
			defer cancel()

			conn, err := grpc.DialContext(ctx, m.Addr, []grpc.DialOption{
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithBlock(),
			}...)
			if err != nil {
				m.authFailed(w, r, err)
				return
			}
			defer conn.Close()

			authClient := firebase.NewAuthClient(conn)

			t, err := authClient.Verify(ctx, &firebase.Token{Token: token})
			if err != nil {
				m.authFailed(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), t.GetUserId())))
		})
	}
}

func (m *FirebaseAuth) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

// UserIDFromRequest returns the verified user id, empty without auth.
func UserIDFromRequest(r *http.Request) string {
	userID, _ := r.Context().Value(UserIDContextKey).(string)
	return userID
}
