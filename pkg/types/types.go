// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — candles,
// auxiliary market metrics, signals, orders, positions, and the typed
// request/response shapes of the exchange façade. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the trade direction of a signal or position.
type Direction string

const (
	LONG  Direction = "LONG"
	SHORT Direction = "SHORT"
)

// Side is the order side sent to the exchange.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// EntrySide maps a direction to the side that opens the position.
func (d Direction) EntrySide() Side {
	if d == LONG {
		return BUY
	}
	return SELL
}

// CloseSide maps a direction to the side that reduces the position.
func (d Direction) CloseSide() Side {
	if d == LONG {
		return SELL
	}
	return BUY
}

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce is the order's book lifetime policy.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "GTC"       // good-til-cancelled
	TIFPostOnly TimeInForce = "POST_ONLY" // maker only, rejected if it would cross
)

// Timeframe identifies a candle interval, e.g. "5m" or "15m".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
)

// Duration converts the timeframe to a time.Duration. Unknown timeframes
// fall back to one minute.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	default:
		return time.Minute
	}
}

// TrendDirection classifies the higher-timeframe trend.
type TrendDirection string

const (
	TrendUp      TrendDirection = "UP"
	TrendDown    TrendDirection = "DOWN"
	TrendNeutral TrendDirection = "NEUTRAL"
)

// MomentumState classifies the lower-timeframe momentum regime.
type MomentumState string

const (
	MomentumStrong    MomentumState = "MOMENTUM"
	MomentumPullback  MomentumState = "PULLBACK"
	MomentumExhausted MomentumState = "EXHAUSTED"
	MomentumNeutral   MomentumState = "NEUTRAL"
)

// OIDirection is the advisory open-interest drift tag.
type OIDirection string

const (
	OIUp   OIDirection = "UP"
	OIDown OIDirection = "DOWN"
	OIFlat OIDirection = "FLAT"
)

// FundingRegime restricts which directions are tradeable under the current
// funding rate: extreme positive funding blocks longs, extreme negative
// funding blocks shorts.
type FundingRegime string

const (
	FundingBoth      FundingRegime = "BOTH"
	FundingLongOnly  FundingRegime = "LONG_ONLY"
	FundingShortOnly FundingRegime = "SHORT_ONLY"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is a closed OHLCV bar for one (symbol, timeframe). Never mutated
// after insertion into the store.
//
// Invariant: Low ≤ min(Open, Close) ≤ max(Open, Close) ≤ High; Volume ≥ 0.
type Candle struct {
	OpenTime int64   `json:"openTime"` // bar open, unix ms
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Body returns the signed candle body (close − open).
func (c Candle) Body() float64 { return c.Close - c.Open }

// Range returns high − low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Validate checks the OHLCV ordering invariant.
func (c Candle) Validate() error {
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if c.Low > lo || c.High < hi {
		return fmt.Errorf("candle %d violates low<=body<=high: o=%v h=%v l=%v c=%v",
			c.OpenTime, c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %d has negative volume %v", c.OpenTime, c.Volume)
	}
	return nil
}

// CandleEvent is a closed-candle notification demultiplexed from the stream.
type CandleEvent struct {
	Symbol    string
	Timeframe Timeframe
	Candle    Candle
}

// MarkPriceEvent is a mark-price tick from the stream.
type MarkPriceEvent struct {
	Symbol string
	Price  float64
}

// FundingInfo is the per-symbol funding snapshot refreshed by the aux poller.
type FundingInfo struct {
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
	MarkPrice       float64   `json:"markPrice"`
	IndexPrice      float64   `json:"indexPrice"`
}

// OpenInterestInfo is the per-symbol open-interest snapshot.
type OpenInterestInfo struct {
	Symbol    string      `json:"symbol"`
	Value     float64     `json:"value"`
	Change    float64     `json:"change"`
	ChangePct float64     `json:"changePct"`
	Direction OIDirection `json:"direction"`
}

// SpreadInfo is the per-symbol top-of-book snapshot.
type SpreadInfo struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Mid       float64 `json:"mid"`
	Spread    float64 `json:"spread"`
	SpreadPct float64 `json:"spreadPct"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalStatus is the audit-row lifecycle of a signal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalFilled   SignalStatus = "FILLED"
	SignalSkipped  SignalStatus = "SKIPPED"
	SignalCanceled SignalStatus = "CANCELED"
	SignalFailed   SignalStatus = "FAILED"
)

// Signal is one scan result that passed all filters.
//
// Invariant: ExpiresAt > CreatedAt. For LONG:
// SLPrice < EntryPrice < TP1Price ≤ TP2Price; reversed for SHORT.
type Signal struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Direction    Direction      `json:"direction"`
	Strength     float64        `json:"strength"` // 0–100
	CurrentPrice float64        `json:"currentPrice"`
	EntryPrice   float64        `json:"entryPrice"`
	TP1Price     float64        `json:"tp1Price"`
	TP2Price     float64        `json:"tp2Price"`
	SLPrice      float64        `json:"slPrice"`
	ATR          float64        `json:"atr"`
	ATRPct       float64        `json:"atrPct"`
	Trend        TrendDirection `json:"trend"`
	Momentum     MomentumState  `json:"momentum"`
	CVD          float64        `json:"cvd"`
	CVDRatio     float64        `json:"cvdRatio"`
	FundingRate  float64        `json:"fundingRate"`
	OIChangePct  float64        `json:"oiChangePct"`
	SpreadPct    float64        `json:"spreadPct"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

// Expired reports whether the signal's TTL has passed.
func (s *Signal) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// ValidatePriceOrdering checks the entry/TP/SL ordering law.
func (s *Signal) ValidatePriceOrdering() error {
	switch s.Direction {
	case LONG:
		if !(s.SLPrice < s.EntryPrice && s.EntryPrice < s.TP1Price && s.TP1Price <= s.TP2Price) {
			return fmt.Errorf("long %s: want sl < entry < tp1 <= tp2, got sl=%v entry=%v tp1=%v tp2=%v",
				s.Symbol, s.SLPrice, s.EntryPrice, s.TP1Price, s.TP2Price)
		}
	case SHORT:
		if !(s.SLPrice > s.EntryPrice && s.EntryPrice > s.TP1Price && s.TP1Price >= s.TP2Price) {
			return fmt.Errorf("short %s: want sl > entry > tp1 >= tp2, got sl=%v entry=%v tp1=%v tp2=%v",
				s.Symbol, s.SLPrice, s.EntryPrice, s.TP1Price, s.TP2Price)
		}
	default:
		return fmt.Errorf("signal %s has no direction", s.Symbol)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// PendingOrder is a submitted but unfilled limit entry. At most one per symbol.
type PendingOrder struct {
	Symbol     string    `json:"symbol"`
	OrderID    string    `json:"orderId"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entryPrice"`
	TP1Price   float64   `json:"tp1Price"`
	TP2Price   float64   `json:"tp2Price"`
	SLPrice    float64   `json:"slPrice"`
	Quantity   float64   `json:"quantity"`
	CreatedAt  time.Time `json:"createdAt"`
	Signal     *Signal   `json:"signal,omitempty"`
}

// PositionStatus is the lifecycle state of a live position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseTP1Hit           CloseReason = "TP1_HIT"
	CloseTP2Hit           CloseReason = "TP2_HIT"
	CloseSLHit            CloseReason = "SL_HIT"
	CloseBreakevenTimeout CloseReason = "BREAKEVEN_TIMEOUT"
	CloseMaxTimeTimeout   CloseReason = "MAX_TIME_TIMEOUT"
	CloseExternal         CloseReason = "EXTERNAL_CLOSE"
	CloseManual           CloseReason = "MANUAL"
)

// Position is a live filled position. At most one per symbol; owned
// exclusively by the order coordinator.
type Position struct {
	Symbol          string         `json:"symbol"`
	Direction       Direction      `json:"direction"`
	EntryPrice      float64        `json:"entryPrice"`
	Quantity        float64        `json:"quantity"`   // remaining
	InitialQty      float64        `json:"initialQty"` // filled quantity at entry
	Leverage        int            `json:"leverage"`
	TP1Price        float64        `json:"tp1Price"`
	TP2Price        float64        `json:"tp2Price"`
	TPPrice         float64        `json:"tpPrice"` // single-TP fallback
	SLPrice         float64        `json:"slPrice"`
	OriginalTPPrice float64        `json:"originalTpPrice"`
	TP1Filled       bool           `json:"tp1Filled"`
	TPReduced       bool           `json:"tpReduced"`
	Status          PositionStatus `json:"status"`
	EnteredAt       time.Time      `json:"enteredAt"`
	MainOrderID     string         `json:"mainOrderId"`
	TPOrderID       string         `json:"tpOrderId,omitempty"`
	SLOrderID       string         `json:"slOrderId,omitempty"`
	Signal          *Signal        `json:"signal,omitempty"`
}

// PnlPct returns the unleveraged percentage move from entry to price,
// signed so that profit is positive for both directions.
func (p *Position) PnlPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice
	if p.Direction == SHORT {
		pct = -pct
	}
	return pct
}

// ————————————————————————————————————————————————————————————————————————
// Exchange façade shapes
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is a new-order submission to the exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64 // limit orders only
	ReduceOnly  bool
	TimeInForce TimeInForce
}

// OrderState is the exchange-reported order status.
type OrderState string

const (
	OrderNew      OrderState = "NEW"
	OrderPartial  OrderState = "PARTIALLY_FILLED"
	OrderFilled   OrderState = "FILLED"
	OrderCanceled OrderState = "CANCELED"
	OrderExpired  OrderState = "EXPIRED"
	OrderRejected OrderState = "REJECTED"
)

// Terminal reports whether the order can no longer fill.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderExpired || s == OrderRejected
}

// OrderInfo is the exchange view of one order.
type OrderInfo struct {
	OrderID   string
	Symbol    string
	Side      Side
	State     OrderState
	Price     float64
	Quantity  float64
	FilledQty float64
	AvgPrice  float64
}

// TpSlRequest places a combined exchange-side take-profit + stop-loss pair.
// TPQty and SLQty may differ (TP1 covers half, SL covers the full position).
type TpSlRequest struct {
	Symbol    string
	Direction Direction
	TPQty     float64
	SLQty     float64
	TPTrigger float64
	SLTrigger float64
}

// AlgoPlanType distinguishes exchange-side conditional order kinds.
type AlgoPlanType string

const (
	PlanTakeProfit AlgoPlanType = "TAKE_PROFIT"
	PlanStopLoss   AlgoPlanType = "STOP_LOSS"
)

// AlgoOrder is a live exchange-side conditional (trigger) order.
type AlgoOrder struct {
	OrderID       string
	Symbol        string
	PlanType      AlgoPlanType
	Side          Side
	TriggerPrice  float64
	Quantity      float64
	ClosePosition bool // trigger closes the whole position regardless of Quantity
}

// ExchangePosition is the exchange view of one open position.
type ExchangePosition struct {
	Symbol        string
	Direction     Direction
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      int
}

// LotSizeInfo is the per-instrument quantity/price granularity metadata.
type LotSizeInfo struct {
	Symbol   string
	MinQty   float64 // minimum order quantity
	StepSize float64 // quantity increment (lot size)
	TickSize float64 // price increment
}

// BookTicker is one row of the bulk top-of-book endpoint.
type BookTicker struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// FundingRate is one row of the bulk funding endpoint.
type FundingRate struct {
	Symbol          string
	Rate            float64
	NextFundingTime time.Time
	MarkPrice       float64
	IndexPrice      float64
}
