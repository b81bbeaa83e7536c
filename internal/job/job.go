package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Indeterminate is the progress value reported by jobs that cannot estimate completion.
const Indeterminate = -1

// StepFunc performs one bounded slice of work.
//
// ctx is the job's cancellation token. It is done once cancellation was requested;
// the step decides when to honour it (usually by calling Fail or Finish).
type StepFunc func(ctx context.Context, j *Job)

// DoneFunc receives the job outcome exactly once, on the goroutine that reaps the job.
// Ownership of result moves to the callback.
type DoneFunc func(result, input any, err error)

// Predicate is used by Find to locate a queued job.
type Predicate func(j *Job, arg any) bool

// Job is a unit of resumable background work.
//
// Only the step function mutates title, progress, result, error and the finished flag.
// A scheduler owns the job between submit and Complete; it never runs two steps
// of the same job concurrently.
type Job struct {
	id   string
	kind string

	step StepFunc
	done DoneFunc

	input  any
	result any
	err    error

	title    string
	progress int
	finished bool

	ctx    context.Context
	cancel context.CancelFunc

	created   time.Time
	submitted time.Time
	steps     int
	completed bool
}

type Option func(*Job)

func WithTitle(title string) Option { return func(j *Job) { j.title = title } }

// WithInput attaches a caller-owned payload handed back to the completion callback.
func WithInput(v any) Option { return func(j *Job) { j.input = v } }

// WithKind tags the job with the factory kind that built it (used in logs and history).
func WithKind(kind string) Option { return func(j *Job) { j.kind = kind } }

// WithParent derives the job's cancellation token from ctx.
func WithParent(ctx context.Context) Option {
	return func(j *Job) {
		if ctx != nil {
			j.ctx = ctx
		}
	}
}

func WithID(id string) Option {
	return func(j *Job) {
		if id != "" {
			j.id = id
		}
	}
}

// New creates a job. step must not be nil; done may be nil.
func New(step StepFunc, done DoneFunc, opts ...Option) *Job {
	j := &Job{
		step:    step,
		done:    done,
		ctx:     context.Background(),
		created: time.Now(),
	}
	for _, o := range opts {
		if o != nil {
			o(j)
		}
	}
	if j.id == "" {
		j.id = uuid.NewString()
	}
	j.ctx, j.cancel = context.WithCancel(j.ctx)
	return j
}

func (j *Job) ID() string                { return j.id }
func (j *Job) Kind() string              { return j.kind }
func (j *Job) Title() string             { return j.title }
func (j *Job) Progress() int             { return j.progress }
func (j *Job) Indeterminate() bool       { return j.progress == Indeterminate }
func (j *Job) Finished() bool            { return j.finished }
func (j *Job) Err() error                { return j.err }
func (j *Job) Result() any               { return j.result }
func (j *Job) Input() any                { return j.input }
func (j *Job) Steps() int                { return j.steps }
func (j *Job) Created() time.Time        { return j.created }
func (j *Job) Submitted() time.Time      { return j.submitted }
func (j *Job) Context() context.Context  { return j.ctx }
func (j *Job) Completed() bool           { return j.completed }
func (j *Job) CancelRequested() bool     { return j.ctx.Err() != nil }
func (j *Job) Runnable() bool            { return j.step != nil && !j.finished }
func (j *Job) HasStep() bool             { return j.step != nil }
func (j *Job) String() string            { return j.kind + ":" + j.id }
func (j *Job) MarkSubmitted(t time.Time) { j.submitted = t }

// ---- step-side mutators ----

func (j *Job) SetTitle(title string) { j.title = title }

// SetProgress clamps p into 0..100.
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.progress = p
}

func (j *Job) SetIndeterminate() { j.progress = Indeterminate }

// Finish marks the job done with result. Later calls are ignored.
func (j *Job) Finish(result any) {
	if j.finished {
		return
	}
	j.result = result
	j.finished = true
}

// Fail marks the job done with err and no result. Later calls are ignored.
func (j *Job) Fail(err error) {
	if j.finished {
		return
	}
	j.err = err
	j.result = nil
	j.finished = true
}

// ---- scheduler-side ----

// Run invokes the step function once. It is a no-op for finished jobs.
func (j *Job) Run() {
	if !j.Runnable() {
		return
	}
	j.steps++
	j.step(j.ctx, j)
}

// RequestCancel sets the advisory cancel flag. The job keeps running until its step observes it.
func (j *Job) RequestCancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// Complete fires the completion callback once and drops payload references.
// It reports whether the callback was invoked by this call.
func (j *Job) Complete() bool {
	if j.completed || !j.finished {
		return false
	}
	j.completed = true

	done, result, input, err := j.done, j.result, j.input, j.err
	j.done, j.step = nil, nil
	j.result, j.input = nil, nil
	if j.cancel != nil {
		j.cancel()
	}

	if done != nil {
		done(result, input, err)
	}
	return true
}
