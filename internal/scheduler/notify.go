package scheduler

import (
	"time"

	"bgjob/internal/job"
)

type Mode int

const (
	ModeNone Mode = iota
	ModeCooperative
	ModeThreaded
)

func (m Mode) String() string {
	switch m {
	case ModeCooperative:
		return "cooperative"
	case ModeThreaded:
		return "threaded"
	default:
		return "none"
	}
}

// Progress is one notification about one job, emitted during PollAndReap.
//
// Finished is true exactly once per job: on the notification that follows
// the finishing step (cooperative) or when the job is reaped (threaded).
type Progress struct {
	ID            string
	Kind          string
	Title         string
	Percent       int
	Indeterminate bool
	Finished      bool
	Canceled      bool
	Err           error
	Steps         int
	Submitted     time.Time
	Mode          Mode
}

// Notifier surfaces job progress (UI, logs, chat).
//
// Notify is called on the polling goroutine, possibly under the running-queue lock.
// Implementations must return quickly and must not call back into the Scheduler.
type Notifier interface {
	Notify(p Progress)
}

type NotifierFunc func(p Progress)

func (f NotifierFunc) Notify(p Progress) { f(p) }

func progressOf(j *job.Job, m Mode) Progress {
	return Progress{
		ID:            j.ID(),
		Kind:          j.Kind(),
		Title:         j.Title(),
		Percent:       j.Progress(),
		Indeterminate: j.Indeterminate(),
		Finished:      j.Finished(),
		Canceled:      j.CancelRequested(),
		Err:           j.Err(),
		Steps:         j.Steps(),
		Submitted:     j.Submitted(),
		Mode:          m,
	}
}
