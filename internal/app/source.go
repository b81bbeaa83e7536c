package app

import (
	"context"

	"bgjob/internal/scheduler"
	"bgjob/internal/storage"
	"bgjob/internal/trigger"
)

// source serves the status API from state published by the control loop.
type source struct{ a *App }

func (s source) Jobs() (scheduler.Snapshot, bool) {
	p := s.a.snap.Load()
	if p == nil {
		return scheduler.Snapshot{}, false
	}
	return *p, true
}

func (s source) Schedules() []trigger.ScheduleInfo { return s.a.trig.Schedules() }

func (s source) Recent(ctx context.Context, n int) ([]storage.Record, error) {
	if s.a.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.a.store.Recent(ctx, n)
}
