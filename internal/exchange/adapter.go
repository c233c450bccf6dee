// Package exchange implements the typed façade over the futures exchange:
// a REST client for orders, algo orders, positions and market metadata, and
// a public WebSocket stream for candles and mark prices.
//
// The rest of the engine depends on the Adapter interface (or narrow slices
// of it), never on the concrete client, so coordinator and watchdog tests
// run against in-memory fakes.
package exchange

import (
	"context"
	"errors"

	"perp-scalper/pkg/types"
)

// Sentinel errors for exchange business conditions the engine branches on.
var (
	// ErrInstrumentNotFound: the symbol does not exist on this exchange.
	ErrInstrumentNotFound = errors.New("exchange: instrument not found")
	// ErrNoPosition: a reduce-only order was rejected because the position
	// is already flat (externally closed).
	ErrNoPosition = errors.New("exchange: no open position")
	// ErrInvalidLeverage: the requested leverage is outside the allowed band.
	ErrInvalidLeverage = errors.New("exchange: invalid leverage")
	// ErrOrderRejected: the exchange refused the order for a business reason
	// (bad price, insufficient margin). Not retried.
	ErrOrderRejected = errors.New("exchange: order rejected")
)

// Adapter is the full typed façade consumed by the core. One implementation
// talks to the real exchange (Client); tests provide fakes.
type Adapter interface {
	// Market data
	GetFundingAll(ctx context.Context) ([]types.FundingRate, error)
	GetBookTickerAll(ctx context.Context) ([]types.BookTicker, error)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)
	GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)

	// Account
	GetAvailableBalance(ctx context.Context) (float64, error)
	GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Orders
	CreateOrder(ctx context.Context, req types.OrderRequest) (types.OrderInfo, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (types.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Algo (trigger) orders
	CreateTpSlOrder(ctx context.Context, req types.TpSlRequest) (tpOrderID, slOrderID string, err error)
	CancelAllAlgoOrders(ctx context.Context, symbol string) error
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]types.AlgoOrder, error)

	// Instrument metadata
	GetLotSizeInfo(ctx context.Context, symbol string) (types.LotSizeInfo, error)
}
