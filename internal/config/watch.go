package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "recurd/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch follows the directory holding the config file until ctx ends,
// reloading after each burst of changes settles. A watcher that fails or
// closes is recreated with jittered backoff. Watch always returns nil.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))

	deb := &debouncer{delay: m.debounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	retry := watchRetryMin
	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watch setup failed", logx.Err(err))
		} else {
			retry = watchRetryMin
			log.Debug("config watcher started", logx.String("file", file))
			m.follow(ctx, w, file, deb.trigger)
			_ = w.Close()
			if ctx.Err() != nil {
				break
			}
			log.Warn("config watcher stopped; restarting", logx.Duration("backoff", retry))
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// follow feeds matching events to changed until ctx ends or the watcher
// breaks.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, file string, changed func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Editors often replace the file, so match by basename.
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
			case errors.Is(err, fsnotify.ErrClosed):
				return
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		d.t = time.AfterFunc(d.delay, d.fn)
		return
	}
	d.t.Reset(d.delay)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
