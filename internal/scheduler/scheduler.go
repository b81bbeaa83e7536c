package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"bgjob/internal/job"
	logx "bgjob/pkg/logx"
)

type Options struct {
	Logger   logx.Logger
	Notifier Notifier

	// DisableThreads forces the cooperative backend even when threaded is preferred.
	DisableThreads bool
}

// Scheduler runs background jobs on one of two backends and can switch between them at runtime.
//
// All methods except SetPreferThreaded and PreferThreaded must be called from
// the host's control goroutine.
type Scheduler struct {
	log            logx.Logger
	env            *env
	disableThreads bool

	prefer  atomic.Bool
	applied bool // preference the active backend was opened for

	ctx    context.Context
	active backend
	mode   Mode
	stats  counters
}

func New(opts Options) *Scheduler {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Scheduler{log: log, disableThreads: opts.DisableThreads}
	s.env = &env{log: log, notify: opts.Notifier, stats: &s.stats}
	return s
}

func threadsAvailable(disabled bool) error {
	if !threadsSupported {
		return fmt.Errorf("%w: %s/%s has no goroutine threads", ErrThreadsUnavailable, runtime.GOOS, runtime.GOARCH)
	}
	if disabled {
		return fmt.Errorf("%w: disabled by configuration", ErrThreadsUnavailable)
	}
	return nil
}

// Init selects and starts a backend. When threads are unavailable the
// cooperative backend is used instead and a warning is logged.
func (s *Scheduler) Init(ctx context.Context, preferThreaded bool) error {
	if s.active != nil {
		return ErrAlreadyInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := s.open(ctx, preferThreaded)
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.prefer.Store(preferThreaded)
	s.applied = preferThreaded
	s.active = b
	s.mode = b.mode()
	s.log.Info("scheduler started", logx.String("mode", s.mode.String()), logx.Bool("prefer_threaded", preferThreaded))
	return nil
}

func (s *Scheduler) open(ctx context.Context, threaded bool) (backend, error) {
	if !threaded {
		return newCooperative(s.env), nil
	}
	if err := threadsAvailable(s.disableThreads); err != nil {
		s.log.Warn("threaded backend unavailable, falling back to cooperative", logx.Err(err))
		return newCooperative(s.env), nil
	}
	t := newThreaded(s.env)
	if err := t.start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	return t, nil
}

// Check is the per-tick entry point. It applies a pending mode change, then polls and reaps.
func (s *Scheduler) Check() error {
	if s.active == nil {
		return ErrNotInitialized
	}
	var err error
	if want := s.prefer.Load(); want != s.applied {
		err = s.swap(want)
	}
	s.active.pollAndReap()
	return err
}

// swap moves outstanding jobs to a backend opened for the new preference.
// Running jobs keep their FIFO order; finished ones are reaped by the caller's poll.
func (s *Scheduler) swap(threaded bool) error {
	from := s.mode
	h := s.active.stop()

	b, err := s.open(s.ctx, threaded)
	if err != nil {
		// Keep the jobs alive on a backend that cannot fail to open.
		b = newCooperative(s.env)
		s.log.Error("scheduler mode switch failed", logx.String("from", from.String()), logx.Err(err))
	}
	b.adopt(h)
	s.active = b
	s.mode = b.mode()
	s.applied = threaded
	s.stats.switches.Add(1)

	s.log.Info("scheduler mode switched",
		logx.String("from", from.String()),
		logx.String("to", s.mode.String()),
		logx.Int("running", len(h.running)),
		logx.Int("finished", len(h.finished)),
	)
	return err
}

func (s *Scheduler) Submit(j *job.Job) error {
	if s.active == nil {
		return ErrNotInitialized
	}
	if j == nil || !j.HasStep() {
		return ErrNilJob
	}
	if !j.Submitted().IsZero() || j.Completed() {
		return ErrAlreadySubmitted
	}
	j.MarkSubmitted(time.Now())
	s.stats.submitted.Add(1)
	s.active.submit(j)
	s.log.Debug("job submitted", logx.String("job", j.ID()), logx.String("kind", j.Kind()), logx.String("title", j.Title()))
	return nil
}

// Drain polls until every outstanding job finished and was reaped, or ctx is done.
// Jobs that never finish keep Drain blocked until ctx expires.
func (s *Scheduler) Drain(ctx context.Context) error {
	if s.active == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.active.drain(ctx)
}

// CancelAll requests cancellation of every job queued right now and returns how many were asked.
func (s *Scheduler) CancelAll() int {
	if s.active == nil {
		return 0
	}
	n := s.active.cancelAll()
	s.stats.canceled.Add(uint64(n))
	if n > 0 {
		s.log.Info("cancel requested", logx.Int("jobs", n))
	}
	return n
}

// Find returns the first queued job matching pred, or nil.
func (s *Scheduler) Find(pred job.Predicate, arg any) *job.Job {
	if s.active == nil || pred == nil {
		return nil
	}
	return s.active.find(pred, arg)
}

// Deinit stops the active backend. Finished jobs are reaped first; unfinished ones
// are canceled and dropped without a callback.
func (s *Scheduler) Deinit() error {
	if s.active == nil {
		return ErrNotInitialized
	}
	mode := s.mode
	h := s.active.stop()
	s.active = nil
	s.mode = ModeNone

	for _, j := range h.finished {
		s.env.emit(j, mode)
		s.env.complete(j)
	}
	if n := len(h.running); n > 0 {
		for _, j := range h.running {
			j.RequestCancel()
		}
		s.log.Warn("discarding unfinished jobs", logx.Int("jobs", n), logx.String("mode", mode.String()))
	}
	s.log.Info("scheduler stopped", logx.String("mode", mode.String()))
	return nil
}

// SetPreferThreaded records the preferred mode; the next Check applies it. Safe from any goroutine.
func (s *Scheduler) SetPreferThreaded(v bool) { s.prefer.Store(v) }

func (s *Scheduler) PreferThreaded() bool { return s.prefer.Load() }

func (s *Scheduler) Mode() Mode { return s.mode }

func (s *Scheduler) Initialized() bool { return s.active != nil }
