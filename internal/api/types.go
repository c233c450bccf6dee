// Package api exposes the HTTP control plane: start/stop/status endpoints,
// a WebSocket event feed for live monitoring, and the Prometheus /metrics
// endpoint. The trading engine implements Controller; the API layer holds
// no trading state of its own.
package api

import (
	"context"
	"time"

	"perp-scalper/internal/risk"
	"perp-scalper/pkg/types"
)

// EngineState is the coarse lifecycle state reported on /api/status.
type EngineState string

const (
	StateStopped  EngineState = "STOPPED"
	StateRunning  EngineState = "RUNNING"
	StateDegraded EngineState = "DEGRADED" // running but the market-data stream is down
)

// Status is the full status snapshot returned by /api/status.
type Status struct {
	State       EngineState          `json:"state"`
	DryRun      bool                 `json:"dryRun"`
	StartedAt   time.Time            `json:"startedAt,omitempty"`
	Watchlist   []string             `json:"watchlist"`
	Signals     []*types.Signal      `json:"signals"`
	Pending     []types.PendingOrder `json:"pendingOrders"`
	Positions   []types.Position     `json:"positions"`
	Risk        risk.Snapshot        `json:"risk"`
	TradesToday int                  `json:"tradesToday"`
	PnlToday    float64              `json:"pnlToday"`
}

// Controller is the engine surface the control plane drives.
type Controller interface {
	StartTrading(ctx context.Context) error
	StopTrading(ctx context.Context, flatten bool) error
	ClosePosition(ctx context.Context, symbol string) error
	Status() Status
}

// Event is one message on the control-plane WebSocket feed.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}
