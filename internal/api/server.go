package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp-scalper/internal/config"
)

// Server is the HTTP control plane.
type Server struct {
	cfg        config.ControlConfig
	controller Controller
	hub        *Hub
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the control plane around a Controller.
func NewServer(cfg config.ControlConfig, controller Controller, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		controller: controller,
		hub:        hub,
		logger:     logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/close", s.handleClose)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener. Blocks until the listener exits.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("control plane listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Hub returns the event hub so the engine can broadcast lifecycle events.
func (s *Server) Hub() *Hub { return s.hub }
