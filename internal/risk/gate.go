// Package risk gates new position entries against account-level limits.
//
// The gate is consulted synchronously by the order coordinator before every
// entry order:
//
//   - Cooldown:        no entries while the consecutive-loss cooldown runs
//   - Daily loss:      no entries once the day's accumulated losses reach
//     MaxDailyLoss × day-start balance; wins never offset the accumulator
//   - Max positions:   caps concurrent positions plus pending entries
//   - Per direction:   caps concurrent positions on the same side
//
// Checks run in that order and the first failure wins, so a status reason is
// always the binding constraint. Realized PnL is reported through RecordPnl
// after every position close; ConsecutiveLossLimit losing closes in a row
// arm the cooldown. All daily counters reset at UTC midnight.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-scalper/internal/config"
	"perp-scalper/pkg/types"
)

// Snapshot is the gate's current state, exposed on the status endpoint.
type Snapshot struct {
	DailyPnl          float64   `json:"dailyPnl"`
	DailyLoss         float64   `json:"dailyLoss"` // losses only, never offset by wins
	DayStartBalance   float64   `json:"dayStartBalance"`
	ConsecutiveLosses int       `json:"consecutiveLosses"`
	CooldownActive    bool      `json:"cooldownActive"`
	CooldownUntil     time.Time `json:"cooldownUntil,omitempty"`
	TradesToday       int       `json:"tradesToday"`
	WinsToday         int       `json:"winsToday"`
	LossesToday       int       `json:"lossesToday"`
}

// Gate enforces the entry limits. Safe for concurrent use.
type Gate struct {
	cfg    config.RiskConfig
	logger *slog.Logger
	now    func() time.Time

	mu                sync.Mutex
	day               time.Time // UTC midnight of the current accounting day
	dayStartBalance   float64
	dailyPnl          float64
	dailyLoss         float64 // Σ|pnl| of losing closes, monotonic within a day
	tradesToday       int
	winsToday         int
	lossesToday       int
	consecutiveLosses int
	cooldownUntil     time.Time
}

// NewGate creates a risk gate.
func NewGate(cfg config.RiskConfig, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
}

// SetDayStartBalance records the balance the daily-loss limit is measured
// against. Called on startTrading and after each UTC rollover.
func (g *Gate) SetDayStartBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(g.now())
	g.dayStartBalance = balance
}

// CanEnter reports whether a new entry in the given direction is allowed.
// openTotal counts live positions plus pending entry orders; openSameDir
// counts those on the same side. The returned reason names the first
// limit that blocked the entry.
func (g *Gate) CanEnter(dir types.Direction, openTotal, openSameDir int) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollLocked(now)

	if now.Before(g.cooldownUntil) {
		return false, fmt.Sprintf("cooldown until %s", g.cooldownUntil.UTC().Format(time.RFC3339))
	}
	if g.dayStartBalance > 0 && g.dailyLoss >= g.dayStartBalance*g.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached (lost %.2f, limit %.2f)",
			g.dailyLoss, g.dayStartBalance*g.cfg.MaxDailyLoss)
	}
	if openTotal >= g.cfg.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d)", g.cfg.MaxPositions)
	}
	if openSameDir >= g.cfg.MaxSameDirection {
		return false, fmt.Sprintf("max %s positions reached (%d)", dir, g.cfg.MaxSameDirection)
	}
	return true, ""
}

// RecordPnl reports the realized PnL of one closed position (USDT, fees
// included). Losing closes advance the consecutive-loss counter; hitting
// the limit arms the cooldown and resets the counter.
func (g *Gate) RecordPnl(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollLocked(now)

	g.dailyPnl += pnl
	g.tradesToday++

	if pnl < 0 {
		g.dailyLoss += -pnl
		g.lossesToday++
		g.consecutiveLosses++
		if g.consecutiveLosses >= g.cfg.ConsecutiveLossLimit {
			g.cooldownUntil = now.Add(g.cfg.Cooldown)
			g.logger.Warn("consecutive loss limit hit, entering cooldown",
				"losses", g.consecutiveLosses,
				"cooldown_until", g.cooldownUntil,
			)
			g.consecutiveLosses = 0
		}
	} else {
		g.winsToday++
		g.consecutiveLosses = 0
	}

	g.logger.Info("realized pnl recorded",
		"pnl", pnl,
		"daily_pnl", g.dailyPnl,
		"daily_loss", g.dailyLoss,
		"trades_today", g.tradesToday,
	)
}

// GetSnapshot returns current gate state for the status endpoint.
func (g *Gate) GetSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollLocked(now)

	snap := Snapshot{
		DailyPnl:          g.dailyPnl,
		DailyLoss:         g.dailyLoss,
		DayStartBalance:   g.dayStartBalance,
		ConsecutiveLosses: g.consecutiveLosses,
		TradesToday:       g.tradesToday,
		WinsToday:         g.winsToday,
		LossesToday:       g.lossesToday,
	}
	if now.Before(g.cooldownUntil) {
		snap.CooldownActive = true
		snap.CooldownUntil = g.cooldownUntil
	}
	return snap
}

// rollLocked resets daily counters when the UTC day has changed. The
// day-start balance carries over until the engine refreshes it. Cooldowns
// are not cleared by rollover; they expire on their own clock.
func (g *Gate) rollLocked(now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	if today.Equal(g.day) {
		return
	}
	if !g.day.IsZero() {
		g.logger.Info("daily risk counters reset",
			"previous_day", g.day.Format("2006-01-02"),
			"daily_pnl", g.dailyPnl,
			"trades", g.tradesToday,
		)
	}
	g.day = today
	g.dailyPnl = 0
	g.dailyLoss = 0
	g.tradesToday = 0
	g.winsToday = 0
	g.lossesToday = 0
	g.consecutiveLosses = 0
}
