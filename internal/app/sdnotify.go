package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bgjob/pkg/logx"
)

// sdNotify reports state to systemd. Outside a unit with NOTIFY_SOCKET it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogInterval is how often the control loop must ping systemd, or 0 when no watchdog is armed.
func watchdogInterval() time.Duration {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return 0
	}
	return every / 2
}

// pingWatchdog runs on the control goroutine so a stuck loop stops the pings.
func (a *App) pingWatchdog(now time.Time) {
	if a.watchdog <= 0 || now.Sub(a.lastPing) < a.watchdog {
		return
	}
	a.lastPing = now
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		a.log.Debug("watchdog ping failed", logx.Err(err))
	}
}
