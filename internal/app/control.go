package app

import (
	"context"
	"errors"
	"time"

	"bgjob/internal/eventbus"
	"bgjob/internal/notify"
	"bgjob/internal/scheduler"
	"bgjob/internal/trigger"
	logx "bgjob/pkg/logx"
)

// ModeChange is the payload of scheduler.mode events.
type ModeChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// control owns the scheduler. Every scheduler call after Init happens here.
// On cancel it cancels, drains and deinitializes before returning.
func (a *App) control(ctx context.Context) error {
	defer close(a.controlDone)

	every := a.tick.Load()
	tk := time.NewTicker(time.Duration(every))
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdownScheduler(ctx)
			return nil
		case now := <-tk.C:
			a.check(now)
			if cur := a.tick.Load(); cur != every {
				every = cur
				tk.Reset(time.Duration(every))
				a.log.Debug("tick interval changed", logx.Duration("tick", time.Duration(every)))
			}
		case f := <-a.trig.C():
			a.submit(f)
		}
	}
}

func (a *App) check(now time.Time) {
	prev := a.sched.Mode()
	if err := a.sched.Check(); err != nil {
		a.log.Warn("scheduler check failed", logx.Err(err))
	}
	if cur := a.sched.Mode(); cur != prev {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.SchedulerMode,
			Time: now,
			Data: ModeChange{From: prev.String(), To: cur.String()},
		})
	}
	a.publishSnapshot()
	a.pingWatchdog(now)
}

func (a *App) submit(f trigger.Fire) {
	j := f.Job
	if err := a.sched.Submit(j); err != nil {
		a.log.Warn("submit failed", logx.String("schedule", f.Name), logx.Err(err))
		if j != nil {
			j.RequestCancel()
		}
		return
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.JobSubmitted,
		Time: j.Submitted(),
		Data: notify.JobEvent{
			ID:        j.ID(),
			Kind:      j.Kind(),
			Title:     j.Title(),
			Mode:      a.sched.Mode().String(),
			Submitted: j.Submitted(),
		},
	})
}

func (a *App) publishSnapshot() {
	snap := a.sched.Snapshot()
	a.snap.Store(&snap)
}

func (a *App) shutdownScheduler(ctx context.Context) {
	// firings still queued were never submitted
	for drained := false; !drained; {
		select {
		case f := <-a.trig.C():
			f.Job.RequestCancel()
		default:
			drained = true
		}
	}

	if n := a.sched.CancelAll(); n > 0 {
		a.log.Info("canceling outstanding jobs", logx.Int("jobs", n))
	}
	timeout := time.Duration(a.drain.Load())
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	err := a.sched.Drain(dctx)
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("drain timed out", logx.Duration("timeout", timeout))
	case err != nil:
		a.log.Warn("drain failed", logx.Err(err))
	}
	if err := a.sched.Deinit(); err != nil && !errors.Is(err, scheduler.ErrNotInitialized) {
		a.log.Warn("scheduler deinit failed", logx.Err(err))
	}
	a.publishSnapshot()
}

// onJobDone is attached to every built job. It runs on the control goroutine.
func (a *App) onJobDone(result, input any, err error) {
	if err != nil || result == nil {
		return
	}
	a.log.Info("job result", logx.Any("schedule", input), logx.Any("result", result))
}
