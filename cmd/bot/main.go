// Perp Scalper — an automated scalping bot for USDT-margined perpetual
// swaps, built around a three-stage signal cascade and a protected order
// lifecycle.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts control plane, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires stream → store → signals → orders, owns the lifecycle
//	marketdata/store.go   — bounded TTL cache of candles, funding, OI, spread (optional Redis write-through)
//	marketdata/auxpoller  — minute-aligned REST poller for funding/OI/spread
//	signal/engine.go      — three-stage cascade scan (macro → trend → momentum+CVD), runs at :30
//	signal/orb.go         — opening-range-breakout strategy fed by closed candles
//	trader/coordinator.go — order/position state machine: entry, TP1/TP2/SL, time exits
//	trader/watchdog.go    — audits exchange-side protection orders and rebuilds drifted legs
//	risk/gate.go          — entry veto: daily loss, position caps, loss-streak cooldown
//	exchange/client.go    — signed REST client for the futures exchange
//	exchange/stream.go    — public WebSocket feed (candles + mark prices) with auto-reconnect
//	audit/store.go        — SQLite log of every signal and position outcome
//	api/server.go         — HTTP control plane: start/stop/status, event WS, Prometheus metrics
//
// How it trades:
//
//	Every minute at :30 the signal engine scans the watchlist. A symbol must
//	pass the macro filter (tight spread, sane funding), show aligned
//	higher-timeframe trend structure, and confirm with lower-timeframe
//	momentum plus CVD agreement. Entries are post-only limit orders offset
//	from the mark by a fraction of ATR; fills are immediately protected by a
//	split take-profit (half at TP1, rest at TP2) and a stop loss. Time-based
//	exits tighten or close positions that stall.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"perp-scalper/internal/api"
	"perp-scalper/internal/audit"
	"perp-scalper/internal/config"
	"perp-scalper/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	autoStart := flag.Bool("start", false, "begin trading immediately instead of waiting for /api/start")
	flag.Parse()

	if p := os.Getenv("SCALPER_CONFIG"); p != "" && !isFlagSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	var rdb *redis.Client
	if cfg.Store.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, continuing in-memory only", "addr", cfg.Store.RedisAddr, "error", err)
		} else {
			logger.Info("redis connected", "addr", cfg.Store.RedisAddr)
		}
	}

	auditStore, err := audit.NewStore(cfg.Store.AuditPath, logger)
	if err != nil {
		logger.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	hub := api.NewHub(logger)
	eng := engine.New(cfg, rdb, auditStore, hub, logger)
	defer eng.Close()

	var apiServer *api.Server
	if cfg.Control.Enabled {
		apiServer = api.NewServer(cfg.Control, eng, hub, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("control plane failed", "error", err)
			}
		}()
		logger.Info("control plane started", "url", fmt.Sprintf("http://localhost:%d", cfg.Control.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	if *autoStart {
		if err := eng.StartTrading(context.Background()); err != nil {
			logger.Error("failed to start trading", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("engine idle, POST /api/start to begin trading")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop control plane", "error", err)
		}
	}
	if err := eng.StopTrading(shutdownCtx, false); err != nil {
		logger.Debug("engine was not running", "error", err)
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

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
