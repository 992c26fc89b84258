package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"routinely/internal/config"
	logx "routinely/pkg/logx"
)

// systemdNotifier reports lifecycle state over sd_notify. It is a no-op when
// notify is disabled or the process was not started by systemd.
type systemdNotifier struct {
	notify     bool
	watchdogOn bool
	log        logx.Logger
}

func newSystemdNotifier(cfg config.SystemdConfig, log logx.Logger) *systemdNotifier {
	return &systemdNotifier{notify: cfg.Notify, watchdogOn: cfg.Watchdog, log: log}
}

func (s *systemdNotifier) send(state string) {
	if s == nil || !s.notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		s.log.Debug("sd_notify skipped (no NOTIFY_SOCKET)", logx.String("state", state))
	}
}

func (s *systemdNotifier) ready()     { s.send(daemon.SdNotifyReady) }
func (s *systemdNotifier) reloading() { s.send(daemon.SdNotifyReloading) }
func (s *systemdNotifier) stopping()  { s.send(daemon.SdNotifyStopping) }

// watchdog pings at half the unit's WatchdogSec while healthy reports true.
func (s *systemdNotifier) watchdog(ctx context.Context, healthy func(context.Context) bool) error {
	if s == nil || !s.notify || !s.watchdogOn {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		s.log.Debug("watchdog not enabled for this unit")
		return nil
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy(ctx) {
				s.log.Warn("health check failed; skipping watchdog ping")
				continue
			}
			s.send(daemon.SdNotifyWatchdog)
		}
	}
}
