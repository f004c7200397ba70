package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"recurd/internal/alert"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Sources are the read/requeue callbacks the server exposes. Nil sources
// answer 404.
type Sources struct {
	// Ready returns nil when the daemon can dispatch.
	Ready    func() error
	Snapshot func() any
	Failures func(ctx context.Context, limit int) ([]storage.FailedItem, error)
	Requeue  func(ctx context.Context, ref storage.ItemRef) error
	Alerts   func(n int) []alert.Entry
	Preview  func(ctx context.Context, scheduleID string, n int) ([]time.Time, error)
}

const pprofPrefix = "/debug/pprof/"

func (s *Service) routes(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	// Liveness stays unauthenticated so probes need no secret.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", wrap(s.handleReady))
	mux.HandleFunc("GET /snapshot", wrap(s.handleSnapshot))
	mux.HandleFunc("GET /failures", wrap(s.handleFailures))
	mux.HandleFunc("POST /requeue", wrap(s.handleRequeue))
	mux.HandleFunc("GET /alerts", wrap(s.handleAlerts))
	mux.HandleFunc("GET /schedules/{id}/preview", wrap(s.handlePreview))

	if cur.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.src.Ready == nil {
		_, _ = w.Write([]byte("ready"))
		return
	}
	if err := s.src.Ready(); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.src.Snapshot == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Service) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.src.Failures == nil {
		http.NotFound(w, r)
		return
	}
	limit, ok := intParam(w, r, "limit", 100, 1000)
	if !ok {
		return
	}
	items, err := s.src.Failures(r.Context(), limit)
	if err != nil {
		s.log.Warn("list failures failed", logx.Err(err))
		http.Error(w, "list failures failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if s.src.Requeue == nil {
		http.NotFound(w, r)
		return
	}
	ref := storage.ItemRef{
		Kind: storage.Kind(strings.TrimSpace(r.URL.Query().Get("kind"))),
		ID:   strings.TrimSpace(r.URL.Query().Get("id")),
	}
	if ref.ID == "" || (ref.Kind != storage.KindReminder && ref.Kind != storage.KindSchedule) {
		http.Error(w, "kind (reminder|schedule) and id are required", http.StatusBadRequest)
		return
	}
	err := s.src.Requeue(r.Context(), ref)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrNotFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Warn("requeue failed", logx.Err(err))
		http.Error(w, "requeue failed", http.StatusInternalServerError)
	}
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.src.Alerts == nil {
		http.NotFound(w, r)
		return
	}
	n, ok := intParam(w, r, "n", 50, 1000)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.src.Alerts(n))
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.src.Preview == nil {
		http.NotFound(w, r)
		return
	}
	n, ok := intParam(w, r, "n", 5, 366)
	if !ok {
		return
	}
	out, err := s.src.Preview(r.Context(), r.PathValue("id"), n)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("preview failed", logx.Err(err))
		http.Error(w, "preview failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// intParam reads a positive query integer, writing 400 on garbage.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, maxVal int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxVal), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
