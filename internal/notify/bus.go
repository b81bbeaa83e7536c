package notify

import (
	"time"

	"bgjob/internal/eventbus"
	"bgjob/internal/scheduler"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind,omitempty"`
	Title     string        `json:"title"`
	Mode      string        `json:"mode"`
	Percent   int           `json:"percent"`
	Steps     int           `json:"steps"`
	Canceled  bool          `json:"canceled,omitempty"`
	Error     string        `json:"error,omitempty"`
	Submitted time.Time     `json:"submitted"`
	Duration  time.Duration `json:"duration"`
}

func EventOf(p scheduler.Progress, now time.Time) JobEvent {
	ev := JobEvent{
		ID:        p.ID,
		Kind:      p.Kind,
		Title:     p.Title,
		Mode:      p.Mode.String(),
		Percent:   p.Percent,
		Steps:     p.Steps,
		Canceled:  p.Canceled,
		Error:     errString(p.Err),
		Submitted: p.Submitted,
	}
	if !p.Submitted.IsZero() {
		ev.Duration = now.Sub(p.Submitted)
	}
	return ev
}

// Bus publishes notifications as job.progress, job.finished and job.failed events.
type Bus struct {
	bus eventbus.Bus
	now func() time.Time
}

func NewBus(bus eventbus.Bus) *Bus {
	return &Bus{bus: bus, now: time.Now}
}

func (b *Bus) Notify(p scheduler.Progress) {
	if b == nil || b.bus == nil {
		return
	}
	typ := eventbus.JobProgress
	switch {
	case p.Finished && p.Err != nil:
		typ = eventbus.JobFailed
	case p.Finished:
		typ = eventbus.JobFinished
	}
	now := b.now()
	b.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: EventOf(p, now)})
}
