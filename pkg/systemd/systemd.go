// Package systemd reports service state to the systemd manager over the
// sd_notify socket. Every call is a no-op outside a systemd unit.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1 and a human-readable status line.
func Ready(status string) (bool, error) {
	return notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// Stopping reports STOPPING=1.
func Stopping() (bool, error) {
	return notify(daemon.SdNotifyStopping)
}

// Status updates the STATUS= line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify("STATUS=" + fmt.Sprintf(format, args...))
}

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// WatchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings WATCHDOG=1 every interval while healthy returns nil. A
// failing check skips the ping so systemd restarts a wedged process. It
// returns when ctx ends; with interval <= 0 it returns immediately.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() error) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				continue
			}
			if _, err := notify(daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("watchdog notify: %w", err)
			}
		}
	}
}
