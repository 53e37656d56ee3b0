package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attnmarket-engine/internal/config"
)

// statsInterval paces the periodic counter push to stream clients.
const statsInterval = 2 * time.Second

// Server runs the HTTP/WebSocket ops surface: health, stats, book and
// settlement reads, the Prometheus scrape endpoint, and the event stream.
type Server struct {
	cfg      config.OpsConfig
	provider EngineSnapshotProvider
	events   <-chan EngineEvent
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	done     chan struct{}
	logger   *slog.Logger
}

// NewServer creates the ops server. events carries the matcher's match and
// settlement notifications for the stream; nil disables it. settlements may
// be nil when the journal is disabled.
func NewServer(
	cfg config.OpsConfig,
	provider EngineSnapshotProvider,
	settlements SettlementSource,
	events <-chan EngineEvent,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, settlements, cfg.AllowedOrigins, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/stats", handlers.HandleStats)
	mux.HandleFunc("/api/book", handlers.HandleBook)
	mux.HandleFunc("/api/settlements", handlers.HandleSettlements)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		events:   events,
		hub:      hub,
		handlers: handlers,
		server:   server,
		done:     make(chan struct{}),
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event and stats feeds, and the HTTP listener.
// It blocks until the server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()
	go s.pushStats()

	s.logger.Info("ops server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards matcher notifications to the hub until the matcher
// closes the channel on shutdown.
func (s *Server) consumeEvents() {
	if s.events == nil {
		return
	}
	for evt := range s.events {
		s.hub.BroadcastEvent(evt)
	}
}

// pushStats broadcasts the counter block on a fixed tick while clients are
// connected.
func (s *Server) pushStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.BroadcastStats(s.provider.GetStatsSnapshot())
		}
	}
}
