package ws

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/config"
	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/signaling"
)

const defaultMaxMessageSize int64 = 200 * 1024 // 200K

// EventsReader serves the room journal to the ops API.
type EventsReader interface {
	Events(ctx context.Context, roomID string, limit int) ([]eventbus.Event, error)
}

// AppOptions is options of the application
type AppOptions struct {
	Env            config.Environment
	Address        string
	MaxMessageSize int64
	Gateway        *signaling.Gateway
	// Journal is optional; without it the events endpoint answers 404.
	Journal EventsReader
	// Auth guards /ws when set.
	Auth *FirebaseAuth
}

// App is application for Websocket server
type App struct {
	AppOptions

	websocket   *melody.Melody
	connections *connections
}

func New(options AppOptions) *App {
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = defaultMaxMessageSize
	}

	websocket := melody.New()
	websocket.Config.MaxMessageSize = options.MaxMessageSize

	app := &App{
		AppOptions:  options,
		websocket:   websocket,
		connections: newConnections(),
	}
	return app
}

// Start serves until SIGINT or SIGTERM.
func (app *App) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	router := app.Router()

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")
		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("close websocket sessions")
		}
		log.Info().Msg("all websocket sessions are closed")
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("address", app.Address).Msg("signaling server started")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// Router is the http router of the application
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	if app.Env.IsDevelopment() {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(app.connectHandler)
	app.websocket.HandleDisconnect(app.disconnectHandler)
	app.websocket.HandleMessage(app.textMessageHandler)
	app.websocket.HandleMessageBinary(app.binaryMessageHandler)
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	r.Group(func(r chi.Router) {
		if app.Auth != nil {
			r.Use(app.Auth.Middleware())
		}
		r.Get("/ws", WsHandler(app.websocket))
	})

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rooms", app.roomsHandler)
		r.Get("/rooms/{roomID}/events", app.roomEventsHandler)
	})

	return r
}
