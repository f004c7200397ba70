// Package ops serves the operator HTTP endpoints: liveness, readiness,
// runtime snapshots, the failed-item queue and optional pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources
	cur *listener
}

// listener is one start/stop cycle of the HTTP server. Fields other than sup
// and done are guarded by Service.mu.
type listener struct {
	sup  *rtsup.Supervisor
	done chan struct{}

	stopping bool
	srv      *http.Server
	addr     string
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.addr
}

// Reconfigure applies cfg during hot reload, starting, stopping or
// restarting the server when needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start serves in a restart loop so a lost listener heals itself. It waits
// out a stop in progress and is a no-op while already serving.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		cur := s.cur
		if cur == nil {
			break
		}
		stopping := cur.stopping
		s.mu.Unlock()
		if !stopping {
			return
		}
		select {
		case <-cur.done:
		case <-ctx.Done():
			return
		}
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Ops errors never cancel the app.
	l := &listener{sup: rtsup.New(ctx, rtsup.WithLogger(s.log)), done: make(chan struct{})}
	s.cur = l
	s.mu.Unlock()

	l.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, l) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	l := s.cur
	if l == nil {
		s.mu.Unlock()
		return
	}
	first := !l.stopping
	l.stopping = true
	srv := l.srv
	s.mu.Unlock()

	if first {
		go s.retire(ctx, l, srv)
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		l.sup.Cancel()
	}
}

func (s *Service) retire(ctx context.Context, l *listener, srv *http.Server) {
	defer close(l.done)
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	l.sup.Cancel()
	_ = l.sup.Wait(context.Background())

	s.mu.Lock()
	if s.cur == l {
		s.cur = nil
	}
	s.mu.Unlock()
	s.log.Info("ops server stopped")
}

func (s *Service) serve(ctx context.Context, l *listener) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}
	addr := cfg.addr()
	if err := cfg.Check(); err != nil {
		// Retrying cannot fix this; wait for a reconfigure.
		s.log.Error("ops server refused to start", logx.String("addr", addr), logx.Err(err))
		return nil
	}
	if cfg.exposed() {
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.routes(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	l.srv, l.addr = srv, ln.Addr().String()
	s.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopWatch()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	l.srv, l.addr = nil, ""
	stopping := l.stopping
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server exited unexpectedly")
	default:
		return err
	}
}
