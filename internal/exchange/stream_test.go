package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perp-scalper/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsTestServer accepts connections, reads the subscribe request, then drops
// the connection, simulating a flaky but reachable feed.
func wsTestServer(t *testing.T, conns *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.ReadMessage() // the subscribe request
		conn.Close()
	}))
}

func TestRunSurvivesRepeatedTransientDisconnects(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := wsTestServer(t, &conns)
	defer srv.Close()

	lost := make(chan error, 1)
	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil,
		func(err error) { lost <- err }, discardLogger())
	s.backoffBase = time.Millisecond
	s.Subscribe([]string{"BTCUSDT"}, []types.Timeframe{types.TF5m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Well past the five-attempt budget: every session reaches a subscribed
	// connection, so the counter resets and the feed keeps reconnecting.
	deadline := time.After(10 * time.Second)
	for conns.Load() < 8 {
		select {
		case err := <-lost:
			t.Fatalf("feed reported a fatal loss after transient disconnects: %v", err)
		case <-deadline:
			t.Fatalf("only %d connections before the deadline", conns.Load())
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}

	cancel()
	<-done

	select {
	case err := <-lost:
		t.Fatalf("unexpected stream loss: %v", err)
	default:
	}
}

func TestRunGivesUpAfterConsecutiveDialFailures(t *testing.T) {
	t.Parallel()

	lost := make(chan error, 1)
	// Nothing listens here; every dial fails.
	s := NewStream("ws://127.0.0.1:1", nil, nil,
		func(err error) { lost <- err }, discardLogger())
	s.backoffBase = time.Millisecond
	s.Subscribe([]string{"BTCUSDT"}, []types.Timeframe{types.TF5m})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case <-lost:
	case <-time.After(10 * time.Second):
		t.Fatal("feed never reported the fatal stream loss")
	}
	if err := <-errCh; err == nil {
		t.Fatal("Run should return the loss error")
	}
}
