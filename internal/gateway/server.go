// Package gateway provides the HTTP gateway: the admin API and the renderer
// WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/envelope"
	"kiosk/internal/gateway/handlers"
	"kiosk/internal/gateway/middleware"
	"kiosk/internal/gateway/websocket"
	"kiosk/pkg/logger"
)

// Deps are the collaborators the gateway serves. Ender, Audit and Breakers
// may be nil.
type Deps struct {
	Hub      *websocket.Hub
	Bus      bus.Bus
	Sessions handlers.SessionStore
	Ender    handlers.SessionEnder
	Audit    handlers.AuditLog
	Breakers handlers.BreakerSource
	Checks   []handlers.Check
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	config     *config.Config
}

// NewServer creates a new gateway server with all routes mounted.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Hub == nil || deps.Sessions == nil {
		return nil, errors.New("gateway: hub and session store are required")
	}
	router := mux.NewRouter()
	router.NotFoundHandler = handlers.NotFound()
	router.MethodNotAllowedHandler = handlers.MethodNotAllowed()

	// Recovery -> Logging -> CORS
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(router),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		router: router,
		hub:    deps.Hub,
		config: cfg,
	}

	if deps.Bus != nil {
		deps.Hub.SetActionHandler(ActionPublisher(deps.Bus))
	}

	router.HandleFunc("/health", handlers.HealthHandler(cfg.Version, time.Now(), deps.Checks...)).Methods(http.MethodGet)
	handlers.NewSessionsHandler(deps.Sessions, deps.Audit, deps.Ender).Register(router)
	if deps.Breakers != nil {
		router.HandleFunc("/api/v1/breakers", handlers.BreakersHandler(deps.Breakers)).Methods(http.MethodGet)
	}
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})
	return s, nil
}

// ActionPublisher turns renderer actions into input events on the bus.
func ActionPublisher(b bus.Bus) websocket.ActionHandler {
	return func(ctx context.Context, msg websocket.WSMessage) (string, error) {
		if msg.Kiosk == "" {
			return "", errors.New("ui_action requires kiosk")
		}
		subject := bus.SubjectTouchAction
		if msg.Source == "cart" {
			subject = bus.SubjectCartAction
		}
		env, err := envelope.New(msg.Session, "", map[string]any{
			"action":         msg.Action,
			"item_id":        msg.ItemID,
			"quantity":       msg.Quantity,
			"customizations": msg.Customizations,
			"query":          msg.Query,
			"component":      msg.Component,
		})
		if err != nil {
			return "", err
		}
		env.KioskID = msg.Kiosk
		if err := b.Publish(ctx, subject, env); err != nil {
			return "", err
		}
		return env.MessageID, nil
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the hub and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.httpServer.Addr = addr

	go s.hub.Run()

	logger.Info().
		Str("addr", addr).
		Msg("Starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.hub.Stop()
	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// IsReady returns true if the server is ready to accept requests.
func (s *Server) IsReady() bool {
	return s.httpServer != nil && s.httpServer.Addr != ""
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
