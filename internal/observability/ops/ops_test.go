package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"recurd/internal/alert"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func waitForAddr(ctx context.Context, s *Service) (string, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a := s.Addr(); a != "" {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

type fakeSources struct {
	failed   []storage.FailedItem
	requeued []storage.ItemRef
	ready    error
}

func (f *fakeSources) sources() Sources {
	return Sources{
		Ready:    func() error { return f.ready },
		Snapshot: func() any { return map[string]int{"ticks": 3} },
		Failures: func(ctx context.Context, limit int) ([]storage.FailedItem, error) {
			return f.failed[:min(limit, len(f.failed))], nil
		},
		Requeue: func(ctx context.Context, ref storage.ItemRef) error {
			if ref.ID == "missing" {
				return fmt.Errorf("requeue %s: %w", ref, storage.ErrNotFound)
			}
			if ref.ID == "pending" {
				return storage.ErrNotFailed
			}
			f.requeued = append(f.requeued, ref)
			return nil
		},
		Alerts: func(n int) []alert.Entry { return []alert.Entry{{Seq: 1, Message: "boom"}} },
		Preview: func(ctx context.Context, id string, n int) ([]time.Time, error) {
			if id != "s1" {
				return nil, storage.ErrNotFound
			}
			out := make([]time.Time, n)
			for i := range out {
				out[i] = time.Date(2024, 1, 10+i, 4, 0, 0, 0, time.UTC)
			}
			return out, nil
		},
	}
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	fs := &fakeSources{failed: []storage.FailedItem{
		{Ref: storage.ItemRef{Kind: storage.KindReminder, ID: "r1"}, Attempts: 3},
		{Ref: storage.ItemRef{Kind: storage.KindSchedule, ID: "s1"}, Attempts: 5},
	}}
	s := New(Config{Enabled: true}, fs.sources(), logx.Nop())
	h := s.routes(Config{Enabled: true})

	tests := []struct {
		method, target string
		code           int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/snapshot", http.StatusOK},
		{http.MethodGet, "/failures?limit=1", http.StatusOK},
		{http.MethodGet, "/failures?limit=x", http.StatusBadRequest},
		{http.MethodGet, "/alerts", http.StatusOK},
		{http.MethodGet, "/schedules/s1/preview?n=3", http.StatusOK},
		{http.MethodGet, "/schedules/nope/preview", http.StatusNotFound},
		{http.MethodPost, "/requeue?kind=reminder&id=r1", http.StatusNoContent},
		{http.MethodPost, "/requeue?kind=reminder&id=missing", http.StatusNotFound},
		{http.MethodPost, "/requeue?kind=schedule&id=pending", http.StatusConflict},
		{http.MethodPost, "/requeue?kind=task&id=r1", http.StatusBadRequest},
		{http.MethodGet, "/requeue?kind=reminder&id=r1", http.StatusMethodNotAllowed},
		{http.MethodGet, "/debug/pprof/", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.target, "")
		if rec.Code != tt.code {
			t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.target, rec.Code, tt.code, rec.Body.String())
		}
	}

	var items []storage.FailedItem
	if err := json.Unmarshal(do(t, h, http.MethodGet, "/failures?limit=1", "").Body.Bytes(), &items); err != nil || len(items) != 1 {
		t.Fatalf("failures = %v, %v", items, err)
	}
	if len(fs.requeued) != 1 || fs.requeued[0].ID != "r1" {
		t.Fatalf("requeued = %v", fs.requeued)
	}

	fs.ready = errors.New("dispatcher not running")
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestRoutesTokenAndPprof(t *testing.T) {
	t.Parallel()
	fs := &fakeSources{}
	cfg := Config{Enabled: true, Token: "s3cret", Pprof: true}
	h := New(cfg, fs.sources(), logx.Nop()).routes(cfg)

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz without token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/snapshot", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("snapshot without token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/snapshot", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("snapshot with wrong token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/snapshot?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("snapshot with query token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg Config
		ok  bool
	}{
		{Config{}, true},
		{Config{Enabled: true}, true},
		{Config{Enabled: true, Addr: "localhost:7000"}, true},
		{Config{Enabled: true, Addr: "nonsense"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:7000"}, false},
		{Config{Enabled: true, Addr: ":7000", Token: "t"}, true},
		{Config{Enabled: true, Addr: "10.0.0.1:7000", AllowInsecure: true}, true},
	}
	for _, tt := range tests {
		if err := tt.cfg.Check(); (err == nil) != tt.ok {
			t.Fatalf("Check(%+v) = %v, want ok=%t", tt.cfg, err, tt.ok)
		}
	}
}

func TestServiceStartReconfigureStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, (&fakeSources{}).sources(), logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	s.Start(ctx)

	addr, err := waitForAddr(ctx, s)
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("still serving on %s after disable", s.Addr())
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still reachable after disable")
	}
}
