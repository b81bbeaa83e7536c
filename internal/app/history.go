package app

import (
	"context"
	"time"

	"bgjob/internal/eventbus"
	"bgjob/internal/notify"
	"bgjob/internal/storage"
	logx "bgjob/pkg/logx"
)

const historyAppendTimeout = 2 * time.Second

func recordOf(e eventbus.Event) (storage.Record, bool) {
	ev, ok := e.Data.(notify.JobEvent)
	if !ok {
		return storage.Record{}, false
	}
	return storage.Record{
		ID:         ev.ID,
		Kind:       ev.Kind,
		Title:      ev.Title,
		Mode:       ev.Mode,
		Steps:      ev.Steps,
		OK:         e.Type == eventbus.JobFinished && ev.Error == "",
		Canceled:   ev.Canceled,
		Error:      ev.Error,
		Submitted:  ev.Submitted,
		FinishedAt: e.Time,
		Duration:   ev.Duration,
	}, true
}

// recordHistory appends finished jobs to the store until events is closed.
// It runs past app cancel so jobs reaped during the shutdown drain are kept.
func (a *App) recordHistory(events <-chan eventbus.Event) {
	log := a.log.With(logx.String("comp", "history"))
	for e := range events {
		rec, ok := recordOf(e)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), historyAppendTimeout)
		err := a.store.Append(ctx, rec)
		cancel()
		if err != nil {
			log.Warn("history append failed", logx.String("job", rec.ID), logx.Err(err))
		}
	}
}
