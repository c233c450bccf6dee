// client.go is the REST side of the exchange façade, shaped for a
// Bitget-style USDT-margined perpetual API.
//
// Every request is rate-limited through per-category token buckets and
// authenticated with HMAC-SHA256 headers over
// (timestamp + method + path + body). Idempotent reads get one local retry
// on transport errors and 5xx; order placement is never retried blindly.
// In dry-run mode mutating methods log and return synthetic success.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-scalper/internal/config"
	"perp-scalper/pkg/types"
)

const (
	okCode                 = "00000"
	codeInstrumentNotFound = "40034"
	codeNoPosition         = "22002"
	codeInvalidLeverage    = "40309"
)

// Client is the REST exchange client. It implements Adapter.
type Client struct {
	http       *resty.Client
	apiKey     string
	secret     string
	passphrase string
	rl         *RateLimiter
	dryRun     bool
	dryRunSeq  atomic.Int64 // synthetic order-id source in dry-run mode
	logger     *slog.Logger
}

var _ Adapter = (*Client)(nil)

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		apiKey:     cfg.Exchange.ApiKey,
		secret:     cfg.Exchange.Secret,
		passphrase: cfg.Exchange.Passphrase,
		rl:         NewRateLimiter(),
		dryRun:     cfg.DryRun,
		logger:     logger.With("component", "exchange"),
	}
}

// apiResponse is the uniform envelope of the exchange API.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signHeaders produces the authentication headers for one request.
func (c *Client) signHeaders(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"ACCESS-KEY":        c.apiKey,
		"ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": c.passphrase,
	}
}

// call performs one API request and unwraps the envelope. queryOrBody is the
// canonical string included in the signature (query string for GET, JSON body
// for POST).
func (c *Client) call(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	req := c.http.R().SetContext(ctx)

	signPath := path
	if len(query) > 0 {
		req.SetQueryParams(query)
		signPath = path + "?" + encodeQuery(query)
	}

	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyStr = string(raw)
		req.SetBody(json.RawMessage(raw))
	}
	req.SetHeaders(c.signHeaders(method, signPath, bodyStr))

	var env apiResponse
	req.SetResult(&env).SetError(&env)

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK || env.Code != okCode {
		return apiError(path, resp.StatusCode(), env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", path, err)
		}
	}
	return nil
}

// apiError maps exchange business codes onto the sentinel errors the engine
// branches on; everything else keeps code and message for the logs.
func apiError(path string, status int, env apiResponse) error {
	switch env.Code {
	case codeInstrumentNotFound:
		return fmt.Errorf("%s: %w", path, ErrInstrumentNotFound)
	case codeNoPosition:
		return fmt.Errorf("%s: %w", path, ErrNoPosition)
	case codeInvalidLeverage:
		return fmt.Errorf("%s: %w", path, ErrInvalidLeverage)
	}
	return fmt.Errorf("%s: status %d code %s: %s", path, status, env.Code, env.Msg)
}

// encodeQuery renders the query map in sorted-insertion order for signing.
// The exchange signs the raw query string, so ordering must match resty's.
func encodeQuery(q map[string]string) string {
	// resty sorts query params alphabetically; mirror that.
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += "&"
		}
		s += k + "=" + q[k]
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetFundingAll fetches the current funding rate for every instrument.
func (c *Client) GetFundingAll(ctx context.Context) ([]types.FundingRate, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol          string `json:"symbol"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/funding-rates",
		map[string]string{"productType": "USDT-FUTURES"}, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]types.FundingRate, 0, len(rows))
	for _, r := range rows {
		nextMs, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
		out = append(out, types.FundingRate{
			Symbol:          r.Symbol,
			Rate:            parseFloat(r.FundingRate),
			NextFundingTime: time.UnixMilli(nextMs),
			MarkPrice:       parseFloat(r.MarkPrice),
			IndexPrice:      parseFloat(r.IndexPrice),
		})
	}
	return out, nil
}

// GetBookTickerAll fetches best bid/ask for every instrument in one call.
func (c *Client) GetBookTickerAll(ctx context.Context) ([]types.BookTicker, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol  string `json:"symbol"`
		BestBid string `json:"bidPr"`
		BestAsk string `json:"askPr"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/tickers",
		map[string]string{"productType": "USDT-FUTURES"}, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]types.BookTicker, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.BookTicker{
			Symbol: r.Symbol,
			Bid:    parseFloat(r.BestBid),
			Ask:    parseFloat(r.BestAsk),
		})
	}
	return out, nil
}

// GetOpenInterest fetches total open interest for one instrument.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}

	var data struct {
		OpenInterestList []struct {
			Size string `json:"size"`
		} `json:"openInterestList"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/open-interest",
		map[string]string{"symbol": symbol, "productType": "USDT-FUTURES"}, nil, &data)
	if err != nil {
		return 0, err
	}
	if len(data.OpenInterestList) == 0 {
		return 0, nil
	}
	return parseFloat(data.OpenInterestList[0].Size), nil
}

// GetHistoricalCandles fetches up to limit closed candles, oldest first.
func (c *Client) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	// Wire format: array of [ts, open, high, low, close, baseVol, quoteVol].
	var rows [][]string
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/candles", map[string]string{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"granularity": string(tf),
		"limit":       strconv.Itoa(limit),
	}, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(r[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.Candle{
			OpenTime: ts,
			Open:     parseFloat(r[1]),
			High:     parseFloat(r[2]),
			Low:      parseFloat(r[3]),
			Close:    parseFloat(r[4]),
			Volume:   parseFloat(r[5]),
		})
	}
	return out, nil
}

// GetSymbolPrice fetches the current mark price for one instrument.
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}

	var rows []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"markPrice"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/symbol-price",
		map[string]string{"symbol": symbol, "productType": "USDT-FUTURES"}, nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("symbol-price %s: %w", symbol, ErrInstrumentNotFound)
	}
	return parseFloat(rows[0].Price), nil
}

// GetLotSizeInfo fetches quantity/price granularity for one instrument.
func (c *Client) GetLotSizeInfo(ctx context.Context, symbol string) (types.LotSizeInfo, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.LotSizeInfo{}, err
	}

	var rows []struct {
		Symbol      string `json:"symbol"`
		MinTradeNum string `json:"minTradeNum"`
		SizeStep    string `json:"sizeStep"`
		PriceStep   string `json:"priceStep"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/market/contracts",
		map[string]string{"symbol": symbol, "productType": "USDT-FUTURES"}, nil, &rows); err != nil {
		return types.LotSizeInfo{}, err
	}
	if len(rows) == 0 {
		return types.LotSizeInfo{}, fmt.Errorf("contracts %s: %w", symbol, ErrInstrumentNotFound)
	}
	return types.LotSizeInfo{
		Symbol:   rows[0].Symbol,
		MinQty:   parseFloat(rows[0].MinTradeNum),
		StepSize: parseFloat(rows[0].SizeStep),
		TickSize: parseFloat(rows[0].PriceStep),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// GetAvailableBalance fetches the free USDT margin balance.
func (c *Client) GetAvailableBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return 0, err
	}

	var data struct {
		Available string `json:"available"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/account/account",
		map[string]string{"marginCoin": "USDT", "productType": "USDT-FUTURES"}, nil, &data); err != nil {
		return 0, err
	}
	return parseFloat(data.Available), nil
}

// GetOpenPositions fetches all open positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol        string `json:"symbol"`
		HoldSide      string `json:"holdSide"` // "long" / "short"
		Total         string `json:"total"`
		OpenPriceAvg  string `json:"openPriceAvg"`
		MarkPrice     string `json:"markPrice"`
		UnrealizedPL  string `json:"unrealizedPL"`
		Leverage      string `json:"leverage"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/position/all-position",
		map[string]string{"productType": "USDT-FUTURES", "marginCoin": "USDT"}, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]types.ExchangePosition, 0, len(rows))
	for _, r := range rows {
		dir := types.LONG
		if r.HoldSide == "short" {
			dir = types.SHORT
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, types.ExchangePosition{
			Symbol:        r.Symbol,
			Direction:     dir,
			Quantity:      parseFloat(r.Total),
			EntryPrice:    parseFloat(r.OpenPriceAvg),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnl: parseFloat(r.UnrealizedPL),
			Leverage:      lev,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	body := map[string]string{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"marginCoin":  "USDT",
		"leverage":    strconv.Itoa(leverage),
	}
	return c.call(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, body, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// CreateOrder submits a new order and returns its exchange ID.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest) (types.OrderInfo, error) {
	if c.dryRun {
		id := fmt.Sprintf("dry-run-%d", c.dryRunSeq.Add(1))
		c.logger.Info("DRY-RUN: would create order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Quantity, "price", req.Price)
		return types.OrderInfo{OrderID: id, Symbol: req.Symbol, Side: req.Side, State: types.OrderNew,
			Price: req.Price, Quantity: req.Quantity}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderInfo{}, err
	}

	body := map[string]string{
		"symbol":      req.Symbol,
		"productType": "USDT-FUTURES",
		"marginCoin":  "USDT",
		"marginMode":  "crossed",
		"side":        orderSide(req.Side),
		"orderType":   orderKind(req.Type),
		"size":        formatFloat(req.Quantity),
		"force":       tifValue(req.TimeInForce),
	}
	if req.Type == types.OrderTypeLimit {
		body["price"] = formatFloat(req.Price)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "YES"
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body, &data); err != nil {
		return types.OrderInfo{}, err
	}
	return types.OrderInfo{
		OrderID:  data.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		State:    types.OrderNew,
		Price:    req.Price,
		Quantity: req.Quantity,
	}, nil
}

// QueryOrder fetches the current state of one order. Dry-run orders never
// fill; they sit in NEW until the unfill timeout cancels them.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (types.OrderInfo, error) {
	if c.dryRun {
		return types.OrderInfo{OrderID: orderID, Symbol: symbol, State: types.OrderNew}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderInfo{}, err
	}

	var data struct {
		OrderID      string `json:"orderId"`
		State        string `json:"state"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		Size         string `json:"size"`
		BaseVolume   string `json:"baseVolume"` // filled quantity
		PriceAvg     string `json:"priceAvg"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/order/detail",
		map[string]string{"symbol": symbol, "productType": "USDT-FUTURES", "orderId": orderID}, nil, &data); err != nil {
		return types.OrderInfo{}, err
	}

	side := types.BUY
	if data.Side == "sell" {
		side = types.SELL
	}
	return types.OrderInfo{
		OrderID:   data.OrderID,
		Symbol:    symbol,
		Side:      side,
		State:     mapOrderState(data.State),
		Price:     parseFloat(data.Price),
		Quantity:  parseFloat(data.Size),
		FilledQty: parseFloat(data.BaseVolume),
		AvgPrice:  parseFloat(data.PriceAvg),
	}, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	body := map[string]string{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"orderId":     orderID,
	}
	return c.call(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, body, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Algo (trigger) orders
// ————————————————————————————————————————————————————————————————————————

// CreateTpSlOrder places a take-profit and a stop-loss trigger pair for an
// open position. Quantities may differ (partial TP, full SL). Returns both
// algo-order IDs; if the SL leg fails after the TP leg was accepted, the TP
// leg is cancelled so the position is never left with a TP but no SL.
func (c *Client) CreateTpSlOrder(ctx context.Context, req types.TpSlRequest) (string, string, error) {
	if c.dryRun {
		tp := fmt.Sprintf("dry-run-tp-%d", c.dryRunSeq.Add(1))
		sl := fmt.Sprintf("dry-run-sl-%d", c.dryRunSeq.Add(1))
		c.logger.Info("DRY-RUN: would place TP/SL",
			"symbol", req.Symbol, "tp_trigger", req.TPTrigger, "sl_trigger", req.SLTrigger,
			"tp_qty", req.TPQty, "sl_qty", req.SLQty)
		return tp, sl, nil
	}

	tpID, err := c.placePlanOrder(ctx, req.Symbol, req.Direction, "profit_plan", req.TPTrigger, req.TPQty)
	if err != nil {
		return "", "", fmt.Errorf("tp leg: %w", err)
	}
	slID, err := c.placePlanOrder(ctx, req.Symbol, req.Direction, "loss_plan", req.SLTrigger, req.SLQty)
	if err != nil {
		if cErr := c.cancelPlanOrder(ctx, req.Symbol, tpID); cErr != nil {
			c.logger.Error("failed to roll back TP leg", "symbol", req.Symbol, "order_id", tpID, "error", cErr)
		}
		return "", "", fmt.Errorf("sl leg: %w", err)
	}
	return tpID, slID, nil
}

func (c *Client) placePlanOrder(ctx context.Context, symbol string, dir types.Direction, planType string, trigger, qty float64) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	body := map[string]string{
		"symbol":       symbol,
		"productType":  "USDT-FUTURES",
		"marginCoin":   "USDT",
		"planType":     planType,
		"triggerPrice": formatFloat(trigger),
		"triggerType":  "mark_price",
		"holdSide":     holdSide(dir),
		"size":         formatFloat(qty),
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, body, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

func (c *Client) cancelPlanOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := map[string]string{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"orderId":     orderID,
	}
	return c.call(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, body, nil)
}

// CancelAllAlgoOrders cancels every trigger order for a symbol.
func (c *Client) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all algo orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	body := map[string]string{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"marginCoin":  "USDT",
	}
	return c.call(ctx, http.MethodPost, "/api/v2/mix/order/cancel-all-plan-orders", nil, body, nil)
}

// GetOpenAlgoOrders lists the live trigger orders for a symbol.
func (c *Client) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]types.AlgoOrder, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var data struct {
		EntrustedList []struct {
			OrderID      string `json:"orderId"`
			PlanType     string `json:"planType"`
			Side         string `json:"side"`
			TriggerPrice string `json:"triggerPrice"`
			Size         string `json:"size"`
			ClosePos     string `json:"closePosition"` // "YES"/"NO"
		} `json:"entrustedList"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending",
		map[string]string{"symbol": symbol, "productType": "USDT-FUTURES", "planType": "profit_loss"},
		nil, &data); err != nil {
		return nil, err
	}

	out := make([]types.AlgoOrder, 0, len(data.EntrustedList))
	for _, r := range data.EntrustedList {
		plan := types.PlanStopLoss
		if r.PlanType == "profit_plan" {
			plan = types.PlanTakeProfit
		}
		side := types.BUY
		if r.Side == "sell" {
			side = types.SELL
		}
		out = append(out, types.AlgoOrder{
			OrderID:       r.OrderID,
			Symbol:        symbol,
			PlanType:      plan,
			Side:          side,
			TriggerPrice:  parseFloat(r.TriggerPrice),
			Quantity:      parseFloat(r.Size),
			ClosePosition: r.ClosePos == "YES",
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Wire helpers
// ————————————————————————————————————————————————————————————————————————

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orderSide(s types.Side) string {
	if s == types.BUY {
		return "buy"
	}
	return "sell"
}

func orderKind(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

func tifValue(tif types.TimeInForce) string {
	if tif == types.TIFPostOnly {
		return "post_only"
	}
	return "gtc"
}

func holdSide(d types.Direction) string {
	if d == types.LONG {
		return "long"
	}
	return "short"
}

func mapOrderState(s string) types.OrderState {
	switch s {
	case "live", "new", "init":
		return types.OrderNew
	case "partially_filled":
		return types.OrderPartial
	case "filled":
		return types.OrderFilled
	case "canceled", "cancelled":
		return types.OrderCanceled
	case "expired":
		return types.OrderExpired
	case "rejected":
		return types.OrderRejected
	default:
		return types.OrderNew
	}
}
