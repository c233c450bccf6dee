// Package metrics defines the Prometheus collectors for the trading engine.
// Collectors are package-level and registered on the default registry; the
// control-plane server mounts promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_signals_emitted_total",
		Help: "Signals that passed the full filter cascade",
	})
	SignalsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_signals_skipped_total",
		Help: "Signals skipped by the coordinator (risk gate, engaged symbol, TTL)",
	})

	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_orders_placed_total",
		Help: "Entry orders submitted to the exchange",
	})
	OrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_orders_filled_total",
		Help: "Entry orders that filled (fully or partially)",
	})
	OrdersCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_orders_canceled_total",
		Help: "Entry orders cancelled by the unfill timeout",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_open_positions",
		Help: "Currently open positions",
	})
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalper_positions_closed_total",
		Help: "Positions closed, by close reason",
	}, []string{"reason"})
	RealizedPnl = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_realized_pnl_usdt",
		Help: "Cumulative realized PnL since process start (USDT, fees included)",
	})

	WatchdogRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_watchdog_rebuilds_total",
		Help: "TP/SL protection pairs rebuilt by the watchdog",
	})
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_stream_reconnects_total",
		Help: "Market-data WebSocket reconnection attempts",
	})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalper_scan_duration_seconds",
		Help:    "Full watchlist scan latency",
		Buckets: prometheus.DefBuckets,
	})
)
