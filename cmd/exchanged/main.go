// Open Outcry — a simulated continuous-auction exchange for classroom
// trading exercises.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the gateway, waits for SIGINT/SIGTERM
//	session/manager.go   — session registry: creates, looks up, and shuts down lessons
//	session/session.go   — one lesson: lifecycle, participants, cash, order routing
//	match/engine.go      — price-time priority matching worker, one per session
//	book/book.go         — per-security limit order book (skiplist price levels)
//	portfolio/engine.go  — cash and position accounting, mark-to-market P&L
//	sim/sim.go           — accelerated market clock: GBM ticks, news shocks, maker quotes
//	bot/manager.go       — scripted trading bots that keep thin classrooms lively
//	bus/bus.go           — per-session topic pub/sub feeding WebSockets and the journal
//	journal/journal.go   — append-only event capture (JSONL and SQLite) with replay
//	gateway/server.go    — HTTP API and WebSocket bridge, token auth, rate limits
//
// A lesson runs an accelerated market calendar (for example 90 simulated
// days in a 45 minute class). Students join with bearer tokens, trade
// against each other and the simulator's liquidity, and watch marks move
// on news. Every event is journaled so the instructor can replay the
// session afterwards.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/gateway"
	"openoutcry/internal/journal"
	"openoutcry/internal/session"
	"openoutcry/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OUTCRY_CONFIG"); p != "" {
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

	// Journal sinks: either, both, or none depending on config.
	var sinks []journal.Sink
	if cfg.Journal.Dir != "" {
		fileSink, err := journal.NewFileSink(cfg.Journal.Dir)
		if err != nil {
			logger.Error("failed to open journal dir", "error", err, "dir", cfg.Journal.Dir)
			os.Exit(1)
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Journal.SQLitePath != "" {
		sqlSink, err := journal.NewSQLiteSink(cfg.Journal.SQLitePath)
		if err != nil {
			logger.Error("failed to open journal database", "error", err, "path", cfg.Journal.SQLitePath)
			os.Exit(1)
		}
		sinks = append(sinks, sqlSink)
	}
	if len(sinks) == 0 {
		logger.Warn("journaling disabled, sessions will not be replayable")
	}

	eventBus := bus.New(logger, types.SystemClock{})
	manager := session.NewManager(logger, cfg, types.SystemClock{}, eventBus, sinks)

	server := gateway.NewServer(cfg, manager, eventBus, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	mode := "token"
	if len(cfg.Auth.Tokens) == 0 {
		mode = "open"
	}
	logger.Info("open outcry exchange started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"auth_mode", mode,
		"securities", len(cfg.Lesson.Securities),
		"bots", len(cfg.Lesson.Bots),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the gateway first so no new orders arrive, then end sessions,
	// which flushes their journals.
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop gateway", "error", err)
	}
	manager.Shutdown()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("failed to close journal sink", "error", err, "sink", s.Name())
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
