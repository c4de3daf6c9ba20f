// Package gateway is the HTTP and WebSocket front of the exchange.
//
// REST endpoints cover the command surface: session control for
// instructors, join/order/cancel for participants, and read-only book and
// portfolio snapshots. /ws bridges the event bus to WebSocket clients,
// one subscription per connection. All /api and /ws requests carry a
// bearer token; /health and /metrics are open.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/metrics"
	"openoutcry/internal/session"
)

// Server runs the HTTP/WebSocket gateway in front of the session manager.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the handlers and routes. Start must be called to serve.
func NewServer(cfg *config.Config, mgr *session.Manager, b *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg.Server, mgr, b, hub, NewTokenAuth(cfg.Auth), logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newMux(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "gateway"),
	}
}

// newMux registers all routes. Split out so handler tests can exercise
// the real patterns, including path values.
func newMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/sessions", h.instrument("/api/sessions", h.HandleCreateSession))
	mux.HandleFunc("GET /api/sessions", h.instrument("/api/sessions", h.HandleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", h.instrument("/api/sessions/{id}", h.HandleGetSession))

	mux.HandleFunc("POST /api/sessions/{id}/start", h.instrument("/api/sessions/{id}/start", h.lifecycle("start")))
	mux.HandleFunc("POST /api/sessions/{id}/pause", h.instrument("/api/sessions/{id}/pause", h.lifecycle("pause")))
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.instrument("/api/sessions/{id}/resume", h.lifecycle("resume")))
	mux.HandleFunc("POST /api/sessions/{id}/end", h.instrument("/api/sessions/{id}/end", h.lifecycle("end")))

	mux.HandleFunc("POST /api/sessions/{id}/join", h.instrument("/api/sessions/{id}/join", h.HandleJoin))
	mux.HandleFunc("POST /api/sessions/{id}/cash", h.instrument("/api/sessions/{id}/cash", h.HandleAdjustCash))
	mux.HandleFunc("POST /api/sessions/{id}/orders", h.instrument("/api/sessions/{id}/orders", h.HandleSubmitOrder))
	mux.HandleFunc("DELETE /api/sessions/{id}/orders/{order_id}", h.instrument("/api/sessions/{id}/orders/{order_id}", h.HandleCancelOrder))
	mux.HandleFunc("GET /api/sessions/{id}/book", h.instrument("/api/sessions/{id}/book", h.HandleBook))
	mux.HandleFunc("GET /api/sessions/{id}/portfolio", h.instrument("/api/sessions/{id}/portfolio", h.HandlePortfolio))

	// The WebSocket handler hijacks the connection, so it skips the
	// status-recording middleware.
	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	return mux
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes every WebSocket client.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway")

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	// Shutdown does not wait for hijacked connections.
	s.hub.CloseAll()
	return err
}
