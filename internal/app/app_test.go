package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recurd/internal/config"
	"recurd/internal/dispatcher"
	"recurd/internal/planner"
)

const testConfig = `
logging:
  level: warn
  console: false
civil_time:
  offset: "+05:30"
dispatcher:
  enabled: true
  tick: "@every 1s"
  hook_timeout: 2s
storage:
  driver: memory
hooks:
  driver: log
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAppDispatchesAndReloads(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	path := filepath.Join(t.TempDir(), "recurd.yaml")
	writeConfig(t, path, testConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Ready(); err == nil {
		t.Fatal("Ready before Start")
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	eventually(t, "ready", func() bool { return a.Ready() == nil })

	at := time.Now().Add(-time.Minute)
	r, err := a.Planner().CreateReminder(ctx, planner.ReminderInput{
		TaskID:         "task-1",
		Anchor:         "custom",
		CustomDateTime: &at,
		OffsetTiming:   "before",
		OffsetValue:    0,
		OffsetUnit:     "minutes",
	})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	eventually(t, "reminder sent", func() bool {
		got, err := a.store.GetReminder(ctx, r.ID)
		return err == nil && got.Sent
	})

	writeConfig(t, path, testConfig+"ops:\n  enabled: false\n"+"engine:\n  workers: 2\n")
	eventually(t, "engine reload", func() bool { return a.Snapshot().Engine.Workers == 2 })

	disabled := `
dispatcher:
  enabled: false
storage:
  driver: memory
`
	writeConfig(t, path, disabled)
	eventually(t, "dispatcher stop", func() bool {
		s := a.Snapshot()
		return !s.Dispatcher.Running && !s.Engine.Enabled
	})
	if err := a.Ready(); err != nil {
		t.Fatalf("disabled dispatcher should stay ready: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("supervisor error: %v", a.Err())
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recurd.yaml")
	writeConfig(t, path, "dispatcher:\n  enabled: true\n  tick: sometimes\n")
	if _, err := NewApp(context.Background(), path); err == nil {
		t.Fatal("expected error for invalid tick")
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name        string
		cfg         config.Config
		wantEnabled bool
		wantWorkers int
		wantErr     bool
	}{
		{name: "follows dispatcher", cfg: config.Config{Dispatcher: config.DispatcherConfig{Enabled: true}}, wantEnabled: true, wantWorkers: 4},
		{name: "explicit off", cfg: config.Config{Engine: &config.EngineConfig{Enabled: &off}}, wantWorkers: 4},
		{name: "workers", cfg: config.Config{Engine: &config.EngineConfig{Workers: 9}}, wantWorkers: 9},
		{name: "bad duration", cfg: config.Config{Engine: &config.EngineConfig{CircuitMaxDelay: "later"}}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapEngineConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Enabled != tt.wantEnabled || got.Workers != tt.wantWorkers {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestMapOpsConfigRejectsExposedAddr(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Ops: config.OpsConfig{Enabled: true, Addr: "0.0.0.0:6061"}}
	if _, err := mapOpsConfig(cfg); err == nil {
		t.Fatal("expected error for non-loopback addr without token")
	}
	cfg.Ops.Token = "t"
	oc, err := mapOpsConfig(cfg)
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if oc.ReadTimeout != 10*time.Second || oc.WriteTimeout != 0 {
		t.Fatalf("timeouts = %v/%v", oc.ReadTimeout, oc.WriteTimeout)
	}
}

func TestClaimTTLFloorsAgree(t *testing.T) {
	t.Parallel()
	hook := 10 * time.Second
	floor := dispatcher.MinClaimTTL(hook)

	cfg := &config.Config{Dispatcher: config.DispatcherConfig{HookTimeout: hook.String(), ClaimTTL: floor.String()}}
	if err := config.Validate(cfg); err == nil {
		t.Fatalf("claim_ttl %s accepted at the dispatcher floor", floor)
	}
	cfg.Dispatcher.ClaimTTL = (floor + time.Second).String()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("claim_ttl above the dispatcher floor rejected: %v", err)
	}
}
