package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"bgjob/internal/job"
	logx "bgjob/pkg/logx"
)

// backend is one scheduling strategy. Exactly one is active per Scheduler.
type backend interface {
	mode() Mode
	submit(j *job.Job)
	pollAndReap()
	drain(ctx context.Context) error
	cancelAll() int
	find(pred job.Predicate, arg any) *job.Job
	outstanding() int
	queued() []JobView

	// stop tears the backend down and hands back every job it still owns.
	stop() handoff
	// adopt takes ownership of jobs handed over by another backend.
	adopt(h handoff)
}

// handoff carries outstanding jobs across a backend swap, each slice in FIFO order.
type handoff struct {
	running  []*job.Job
	finished []*job.Job
}

func (h handoff) empty() bool { return len(h.running) == 0 && len(h.finished) == 0 }

type counters struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	canceled  atomic.Uint64
	switches  atomic.Uint64
}

// env is shared by both backends of one Scheduler.
type env struct {
	log    logx.Logger
	notify Notifier
	stats  *counters
}

// step runs one step of j, turning a panic into a job failure.
func (e *env) step(j *job.Job) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.panics.Add(1)
			e.log.Error("job step panicked",
				logx.String("job", j.ID()),
				logx.String("kind", j.Kind()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			j.Fail(fmt.Errorf("%w: %v", ErrStepPanic, r))
		}
	}()
	j.Run()
}

func (e *env) emit(j *job.Job, m Mode) {
	if e.notify == nil {
		return
	}
	e.notify.Notify(progressOf(j, m))
}

// complete fires the completion callback on the calling goroutine.
func (e *env) complete(j *job.Job) {
	if j.Err() != nil {
		e.stats.failed.Add(1)
	} else {
		e.stats.completed.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job callback panicked",
				logx.String("job", j.ID()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	j.Complete()
}

// JobView is a read-only copy of a queued job for diagnostics.
type JobView struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind,omitempty"`
	Title           string    `json:"title"`
	Progress        int       `json:"progress"`
	Indeterminate   bool      `json:"indeterminate,omitempty"`
	Steps           int       `json:"steps"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Submitted       time.Time `json:"submitted"`
}

func viewOf(j *job.Job) JobView {
	return JobView{
		ID:              j.ID(),
		Kind:            j.Kind(),
		Title:           j.Title(),
		Progress:        j.Progress(),
		Indeterminate:   j.Indeterminate(),
		Steps:           j.Steps(),
		CancelRequested: j.CancelRequested(),
		Submitted:       j.Submitted(),
	}
}
