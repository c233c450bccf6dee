package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"perp-scalper/internal/config"
)

type fakeController struct {
	status   Status
	startErr error
	stopErr  error
	closeErr error

	started bool
	stopped bool
	flatten bool
	closed  string
}

func (f *fakeController) StartTrading(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeController) StopTrading(ctx context.Context, flatten bool) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = true
	f.flatten = flatten
	return nil
}

func (f *fakeController) ClosePosition(ctx context.Context, symbol string) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = symbol
	return nil
}

func (f *fakeController) Status() Status { return f.status }

func newTestServer(ctrl Controller) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(config.ControlConfig{Enabled: true, Port: 0}, ctrl, NewHub(logger), logger)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{status: Status{State: StateRunning, Watchlist: []string{"BTCUSDT"}}}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleStatus(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got Status
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != StateRunning || len(got.Watchlist) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestStartRequiresPost(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleStart(rr, httptest.NewRequest(http.MethodGet, "/api/start", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if ctrl.started {
		t.Fatal("controller must not be started on GET")
	}
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleStart(rr, httptest.NewRequest(http.MethodPost, "/api/start", nil))
	if rr.Code != http.StatusOK || !ctrl.started {
		t.Fatalf("start: code=%d started=%v", rr.Code, ctrl.started)
	}

	rr = httptest.NewRecorder()
	s.handleStop(rr, httptest.NewRequest(http.MethodPost, "/api/stop?flatten=true", nil))
	if rr.Code != http.StatusOK || !ctrl.stopped || !ctrl.flatten {
		t.Fatalf("stop: code=%d stopped=%v flatten=%v", rr.Code, ctrl.stopped, ctrl.flatten)
	}
}

func TestStartConflict(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{startErr: errors.New("already running")}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleStart(rr, httptest.NewRequest(http.MethodPost, "/api/start", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestCloseRequiresSymbol(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleClose(rr, httptest.NewRequest(http.MethodPost, "/api/close", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.handleClose(rr, httptest.NewRequest(http.MethodPost, "/api/close?symbol=BTCUSDT", nil))
	if rr.Code != http.StatusOK || ctrl.closed != "BTCUSDT" {
		t.Fatalf("close: code=%d closed=%q", rr.Code, ctrl.closed)
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{closeErr: errors.New("no position for XRPUSDT")}
	s := newTestServer(ctrl)

	rr := httptest.NewRecorder()
	s.handleClose(rr, httptest.NewRequest(http.MethodPost, "/api/close?symbol=XRPUSDT", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
