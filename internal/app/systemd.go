package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"automoth/pkg/logx"
)

// notifySystemdReady reports readiness to systemd (Type=notify units) and
// starts the watchdog ping when WatchdogSec is set. Outside systemd both
// are no-ops.
func (a *App) notifySystemdReady() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Debug("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) notifySystemdStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
