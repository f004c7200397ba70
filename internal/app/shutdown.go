package app

import (
	"context"
	"fmt"
	"time"

	logx "recurd/pkg/logx"
	"recurd/pkg/systemd"
)

// shutdownStep is one bounded stage of Stop. A stage that overruns its
// budget is left running in the background and Stop moves on.
type shutdownStep struct {
	name   string
	budget time.Duration
	run    func(ctx context.Context) error
}

// Stop tears the daemon down in order: the dispatcher first so nothing new
// reaches the engine, storage after every writer, supervised loops last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	steps := []shutdownStep{
		{"dispatcher", 3 * time.Second, func(c context.Context) error { a.disp.Stop(c); return nil }},
		{"engine", 3 * time.Second, func(c context.Context) error { a.engine.Stop(c); return nil }},
		{"ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil }},
		{"storage", 2 * time.Second, func(context.Context) error { return a.store.Close() }},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range steps {
		a.runStep(ctx, st)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) runStep(parent context.Context, st shutdownStep) {
	log := a.log.With(logx.String("step", st.name))
	began := time.Now()

	// Never outlive the caller's deadline.
	ctx, cancel := context.WithTimeout(parent, st.budget)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("panic in stop step %s: %v", st.name, p)
			}
		}()
		result <- st.run(ctx)
	}()

	select {
	case err := <-result:
		took := time.Since(began)
		switch {
		case err != nil:
			log.Warn("stop step failed", logx.Err(err), logx.Duration("took", took))
		case took >= 500*time.Millisecond:
			log.Info("stop step slow", logx.Duration("took", took))
		default:
			log.Debug("stop step done", logx.Duration("took", took))
		}
	case <-ctx.Done():
		log.Warn("stop step over budget; continuing", logx.Err(ctx.Err()), logx.Duration("budget", st.budget))
		go func() {
			err := <-result
			log.Info("stop step finished late", logx.Err(err), logx.Duration("took", time.Since(began)))
		}()
	}
}
