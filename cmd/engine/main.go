// Attention Matching Engine — real-time matching of AI agent bids against
// human attention sessions, streamed over Redis.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	matcher/matcher.go   — orchestrator: match loop + sweep over the book and session pool
//	book/book.go         — pending bids as a max-heap (price desc, FIFO within a price)
//	session/pool.go      — connected humans: availability, engagement scores, staleness
//	rules/rules.go       — eligibility verdicts, continuation checks, settlement math
//	ingress/ingress.go   — consumer-group readers for bids, sessions and engagement ticks
//	bus/redis.go         — Redis Streams client: append, group reads, acks, pending replay
//	directory/directory.go — escrow directory client with a non-blocking TTL cache
//	journal/journal.go   — JSON file persistence for emitted settlement instructions
//	api/server.go        — ops surface: health, stats, book, settlements, /metrics, /ws
//
// How it makes money:
//
//	Agents bid a max micro-USD price per second of verified human attention;
//	humans set a floor. The engine pairs the highest bid with the cheapest
//	eligible session, meters verified seconds from signed engagement ticks,
//	and emits a settlement instruction for seconds × agreed price when the
//	match ends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"attnmarket-engine/internal/api"
	"attnmarket-engine/internal/bus"
	"attnmarket-engine/internal/config"
	"attnmarket-engine/internal/directory"
	"attnmarket-engine/internal/ingress"
	"attnmarket-engine/internal/journal"
	"attnmarket-engine/internal/matcher"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ATTN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	reg := prometheus.NewRegistry()

	// Connect the stream bus
	busClient := bus.New(bus.Config{
		Addr:         cfg.Bus.Addr,
		Password:     cfg.Bus.Password,
		DB:           cfg.Bus.DB,
		MaxStreamLen: cfg.Bus.MaxStreamLen,
	}, logger)
	defer busClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = busClient.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("redis unreachable", "addr", cfg.Bus.Addr, "error", err)
		os.Exit(1)
	}

	emitter := bus.NewEmitter(busClient, logger)

	// Escrow directory; placeholder mode when no base URL is configured
	dir := directory.NewClient(cfg.Directory, logger)
	defer dir.Close()

	// Settlement journal
	var (
		jnl       *journal.Journal
		recorder  matcher.SettlementRecorder
		settleSrc api.SettlementSource
	)
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.DataDir)
		if err != nil {
			logger.Error("failed to open settlement journal", "error", err, "dir", cfg.Journal.DataDir)
			os.Exit(1)
		}
		defer jnl.Close()
		recorder = jnl
		settleSrc = jnl
	}

	// Core engine
	metrics := matcher.NewMetrics(reg)
	eng := matcher.New(cfg, emitter, dir, recorder, metrics, logger)
	ing := ingress.New(cfg.Ingress, busClient, eng, reg, logger)

	// Ops server
	var apiServer *api.Server
	if cfg.Ops.Enabled {
		apiServer = api.NewServer(cfg.Ops, eng, settleSrc, eng.OpsEvents(), reg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	eng.Start()
	if err := ing.Start(); err != nil {
		logger.Error("failed to start ingress", "error", err)
		eng.Stop()
		os.Exit(1)
	}

	logger.Info("attention matching engine started",
		"match_interval", cfg.Matcher.MatchInterval,
		"max_matches_per_iteration", cfg.Matcher.MaxMatchesPerIteration,
		"min_engagement", cfg.Rules.MinEngagementScore,
		"journal", cfg.Journal.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop intake first so the matcher drains cleanly, then the matcher,
	// then the ops surface.
	ing.Stop()
	eng.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
