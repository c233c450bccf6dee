// stream.go implements the public WebSocket feed for real-time market data.
//
// One connection carries every subscription: a candle channel per
// (symbol, timeframe) and a mark-price channel per symbol. The feed
// auto-reconnects with exponential backoff (1s → 16s, five consecutive
// attempts) and re-subscribes to everything on reconnection; if all five
// attempts fail the feed reports a fatal stream loss and stops, leaving the
// recovery decision to the engine. A read deadline detects silent server
// failures within ~2 missed pings.
//
// Candle pushes arrive for both forming and closed bars; only bars flagged
// confirmed are forwarded to the close handler. The latest forming bar is
// kept per (symbol, timeframe) for current-price lookups.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-scalper/internal/metrics"
	"perp-scalper/pkg/types"
)

const (
	streamPingInterval  = 15 * time.Second
	streamReadTimeout   = 35 * time.Second // ~2 missed pings triggers reconnect
	streamWriteTimeout  = 10 * time.Second
	reconnectBase       = time.Second
	maxReconnectAttempt = 5
)

// CandleHandler receives every confirmed (closed) candle.
type CandleHandler func(types.CandleEvent)

// MarkPriceHandler receives mark-price ticks.
type MarkPriceHandler func(types.MarkPriceEvent)

// StreamLostHandler is invoked once when the feed exhausts its reconnect
// budget. After it fires the feed's Run loop returns.
type StreamLostHandler func(err error)

// Stream is the public market-data WebSocket feed.
type Stream struct {
	url         string
	logger      *slog.Logger
	backoffBase time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	// Tracked subscriptions, re-sent after every reconnect.
	subMu   sync.RWMutex
	symbols []string
	tfs     []types.Timeframe

	// Latest forming (unconfirmed) bar per symbol|tf.
	currentMu sync.RWMutex
	current   map[string]types.Candle

	onCandle CandleHandler
	onMark   MarkPriceHandler
	onLost   StreamLostHandler
}

// NewStream creates the feed. Handlers run on the read goroutine and must
// not block.
func NewStream(wsURL string, onCandle CandleHandler, onMark MarkPriceHandler, onLost StreamLostHandler, logger *slog.Logger) *Stream {
	return &Stream{
		url:         wsURL,
		logger:      logger.With("component", "stream"),
		backoffBase: reconnectBase,
		current:     make(map[string]types.Candle),
		onCandle:    onCandle,
		onMark:      onMark,
		onLost:      onLost,
	}
}

// Subscribe sets the tracked watchlist and timeframes. Must be called before
// Run; the feed subscribes to candle channels for every (symbol, timeframe)
// pair plus one mark-price channel per symbol.
func (s *Stream) Subscribe(symbols []string, tfs []types.Timeframe) {
	s.subMu.Lock()
	s.symbols = append([]string(nil), symbols...)
	s.tfs = append([]types.Timeframe(nil), tfs...)
	s.subMu.Unlock()
}

// CurrentCandle returns the latest forming bar for (symbol, tf), if any.
func (s *Stream) CurrentCandle(symbol string, tf types.Timeframe) (types.Candle, bool) {
	s.currentMu.RLock()
	c, ok := s.current[candleKey(symbol, tf)]
	s.currentMu.RUnlock()
	return c, ok
}

// Run connects and maintains the connection until ctx is cancelled or the
// reconnect budget is exhausted. The budget counts consecutive failures
// within one outage: any session that got as far as a subscribed connection
// resets both the attempt counter and the backoff, so transient disconnects
// spread over the process lifetime never add up to a fatal stream loss.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.backoffBase
	attempts := 0

	for {
		established, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			attempts = 0
			backoff = s.backoffBase
		}

		attempts++
		metrics.StreamReconnects.Inc()
		if attempts >= maxReconnectAttempt {
			s.logger.Error("websocket reconnect budget exhausted", "attempts", attempts, "error", err)
			if s.onLost != nil {
				s.onLost(fmt.Errorf("stream lost after %d attempts: %w", attempts, err))
			}
			return fmt.Errorf("stream lost: %w", err)
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// connectAndRead runs one connection session. The returned flag reports
// whether the session reached a subscribed connection before it ended.
func (s *Stream) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendSubscriptions(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

// subscribeArg is one channel subscription in the request envelope.
type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

func (s *Stream) sendSubscriptions() error {
	s.subMu.RLock()
	symbols := s.symbols
	tfs := s.tfs
	s.subMu.RUnlock()

	args := make([]subscribeArg, 0, len(symbols)*(len(tfs)+1))
	for _, sym := range symbols {
		for _, tf := range tfs {
			args = append(args, subscribeArg{
				InstType: "USDT-FUTURES",
				Channel:  "candle" + string(tf),
				InstID:   sym,
			})
		}
		args = append(args, subscribeArg{
			InstType: "USDT-FUTURES",
			Channel:  "mark-price",
			InstID:   sym,
		})
	}
	if len(args) == 0 {
		return fmt.Errorf("no subscriptions configured")
	}

	return s.writeJSON(map[string]any{"op": "subscribe", "args": args})
}

// wsPush is the envelope of one data push.
type wsPush struct {
	Event string `json:"event,omitempty"` // subscribe ack / error
	Code  string `json:"code,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

func (s *Stream) dispatch(raw []byte) {
	if string(raw) == "pong" {
		return
	}

	var push wsPush
	if err := json.Unmarshal(raw, &push); err != nil {
		s.logger.Warn("dropping unparseable ws message", "error", err)
		return
	}

	switch {
	case push.Event == "subscribe":
		s.logger.Debug("subscription acknowledged", "channel", push.Arg.Channel, "symbol", push.Arg.InstID)
	case push.Event == "error":
		s.logger.Error("subscription rejected", "code", push.Code, "msg", push.Msg,
			"channel", push.Arg.Channel, "symbol", push.Arg.InstID)
	case len(push.Arg.Channel) > 6 && push.Arg.Channel[:6] == "candle":
		s.handleCandle(push)
	case push.Arg.Channel == "mark-price":
		s.handleMarkPrice(push)
	default:
		s.logger.Debug("ignoring ws channel", "channel", push.Arg.Channel)
	}
}

// handleCandle decodes candle rows:
// [openTimeMs, open, high, low, close, baseVol, quoteVol, confirm].
// confirm "1" marks a closed bar; forming bars only refresh the current map.
func (s *Stream) handleCandle(push wsPush) {
	tf := types.Timeframe(push.Arg.Channel[len("candle"):])
	symbol := push.Arg.InstID

	var rows [][]string
	if err := json.Unmarshal(push.Data, &rows); err != nil {
		s.logger.Warn("dropping malformed candle push", "symbol", symbol, "tf", tf, "error", err)
		return
	}

	for _, row := range rows {
		if len(row) < 8 {
			s.logger.Warn("dropping short candle row", "symbol", symbol, "tf", tf, "fields", len(row))
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			s.logger.Warn("dropping candle row with bad timestamp", "symbol", symbol, "tf", tf, "ts", row[0])
			continue
		}
		candle := types.Candle{
			OpenTime: ts,
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		}

		s.currentMu.Lock()
		s.current[candleKey(symbol, tf)] = candle
		s.currentMu.Unlock()

		if row[7] != "1" {
			continue // forming bar, not forwarded
		}
		if s.onCandle != nil {
			s.onCandle(types.CandleEvent{Symbol: symbol, Timeframe: tf, Candle: candle})
		}
	}
}

func (s *Stream) handleMarkPrice(push wsPush) {
	var rows []struct {
		InstID    string `json:"instId"`
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(push.Data, &rows); err != nil {
		s.logger.Warn("dropping malformed mark-price push", "symbol", push.Arg.InstID, "error", err)
		return
	}

	for _, row := range rows {
		price := parseFloat(row.MarkPrice)
		if price <= 0 {
			continue
		}
		symbol := row.InstID
		if symbol == "" {
			symbol = push.Arg.InstID
		}
		if s.onMark != nil {
			s.onMark(types.MarkPriceEvent{Symbol: symbol, Price: price})
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}

func candleKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}
