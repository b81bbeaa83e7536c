package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bgjob/internal/job"
)

var modes = []struct {
	name     string
	threaded bool
}{
	{name: "cooperative", threaded: false},
	{name: "threaded", threaded: true},
}

func newTestScheduler(t *testing.T, threaded bool, n Notifier) *Scheduler {
	t.Helper()
	s := New(Options{Notifier: n})
	if err := s.Init(context.Background(), threaded); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		if s.Initialized() {
			_ = s.Deinit()
		}
	})
	return s
}

func drainOrFail(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func finishWith(result any) job.StepFunc {
	return func(ctx context.Context, j *job.Job) { j.Finish(result) }
}

// finishAfter finishes the job on its n-th step with result.
func finishAfter(n int, result any) job.StepFunc {
	return func(ctx context.Context, j *job.Job) {
		if j.Steps() >= n {
			j.Finish(result)
		}
	}
}

type callback struct {
	id     string
	result any
	input  any
	err    error
}

type recorder struct {
	calls []callback
}

func (r *recorder) done(id string) job.DoneFunc {
	return func(result, input any, err error) {
		r.calls = append(r.calls, callback{id: id, result: result, input: input, err: err})
	}
}

func (r *recorder) order() []string {
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.id)
	}
	return out
}

func TestDrainCallbackOrder(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			s := newTestScheduler(t, m.threaded, nil)
			rec := &recorder{}
			for _, id := range []string{"A", "B", "C"} {
				j := job.New(finishWith(lower(id)), rec.done(id), job.WithID(id))
				if err := s.Submit(j); err != nil {
					t.Fatalf("submit %s: %v", id, err)
				}
			}
			drainOrFail(t, s)

			got := rec.order()
			if fmt.Sprint(got) != "[A B C]" {
				t.Fatalf("callback order=%v", got)
			}
			for _, c := range rec.calls {
				if c.result != lower(c.id) || c.err != nil {
					t.Fatalf("callback %s got result=%v err=%v", c.id, c.result, c.err)
				}
			}
			if n := s.Snapshot().Outstanding; n != 0 {
				t.Fatalf("outstanding=%d after drain", n)
			}
		})
	}
}

func lower(id string) string { return string(rune(id[0]) + ('a' - 'A')) }

func TestCheckProgressSequence(t *testing.T) {
	var seen []int
	n := NotifierFunc(func(p Progress) {
		if p.ID == "D" {
			seen = append(seen, p.Percent)
		}
	})
	s := newTestScheduler(t, false, n)
	rec := &recorder{}
	d := job.New(func(ctx context.Context, j *job.Job) {
		j.SetProgress(j.Progress() + 20)
		if j.Progress() == 100 {
			j.Finish("d")
		}
	}, rec.done("D"), job.WithID("D"))
	if err := s.Submit(d); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if len(rec.calls) != 0 {
			t.Fatalf("callback fired before step %d", i)
		}
		if err := s.Check(); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if fmt.Sprint(seen) != "[20 40 60 80 100]" {
		t.Fatalf("progress=%v", seen)
	}
	if len(rec.calls) != 1 || rec.calls[0].result != "d" {
		t.Fatalf("callbacks=%+v", rec.calls)
	}

	// Nothing left: further checks are no-ops.
	if err := s.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(rec.calls) != 1 || len(seen) != 5 {
		t.Fatalf("unexpected activity after completion")
	}
}

func TestFailedJobDeliversError(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			s := newTestScheduler(t, m.threaded, nil)
			rec := &recorder{}
			boom := errors.New("boom")
			e := job.New(func(ctx context.Context, j *job.Job) { j.Fail(boom) }, rec.done("E"), job.WithInput("caller"))
			if err := s.Submit(e); err != nil {
				t.Fatalf("submit: %v", err)
			}
			drainOrFail(t, s)

			if len(rec.calls) != 1 {
				t.Fatalf("calls=%d", len(rec.calls))
			}
			c := rec.calls[0]
			if c.err == nil || c.err.Error() != "boom" || c.result != nil || c.input != "caller" {
				t.Fatalf("callback=%+v", c)
			}
			if s.Snapshot().Failed != 1 {
				t.Fatalf("failed counter not updated")
			}
		})
	}
}

func TestCancelAllObservedOnNextStep(t *testing.T) {
	s := newTestScheduler(t, false, nil)
	var observed []bool
	rec := &recorder{}
	f := job.New(func(ctx context.Context, j *job.Job) {
		observed = append(observed, j.CancelRequested())
		if ctx.Err() != nil {
			j.Fail(ctx.Err())
		}
	}, rec.done("F"))
	_ = s.Submit(f)

	_ = s.Check()
	if n := s.CancelAll(); n != 1 {
		t.Fatalf("canceled=%d", n)
	}
	_ = s.Check()

	if fmt.Sprint(observed) != "[false true]" {
		t.Fatalf("observed=%v", observed)
	}
	if len(rec.calls) != 1 || !errors.Is(rec.calls[0].err, context.Canceled) {
		t.Fatalf("callbacks=%+v", rec.calls)
	}
}

func TestCancelAllSkipsLaterSubmissions(t *testing.T) {
	s := newTestScheduler(t, false, nil)
	untilCanceled := func(ctx context.Context, j *job.Job) {
		if ctx.Err() != nil {
			j.Fail(ctx.Err())
		}
	}
	a := job.New(untilCanceled, nil, job.WithID("a"))
	_ = s.Submit(a)
	s.CancelAll()
	b := job.New(untilCanceled, nil, job.WithID("b"))
	_ = s.Submit(b)

	_ = s.Check()
	if !a.CancelRequested() || b.CancelRequested() {
		t.Fatalf("a=%v b=%v", a.CancelRequested(), b.CancelRequested())
	}
	if s.Find(func(j *job.Job, arg any) bool { return j.ID() == arg }, "b") != b {
		t.Fatalf("b should still be queued")
	}
}

func TestOnlyStepFinishesJob(t *testing.T) {
	s := newTestScheduler(t, false, nil)
	j := job.New(func(ctx context.Context, j *job.Job) { j.SetProgress(100) }, nil)
	_ = s.Submit(j)
	for i := 0; i < 10; i++ {
		_ = s.Check()
	}
	if j.Finished() || j.Steps() != 10 {
		t.Fatalf("finished=%v steps=%d", j.Finished(), j.Steps())
	}
}

func TestEmptyPollIsNoop(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			calls := 0
			s := newTestScheduler(t, m.threaded, NotifierFunc(func(Progress) { calls++ }))
			done := make(chan struct{})
			go func() {
				for i := 0; i < 100; i++ {
					_ = s.Check()
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("check blocked on empty queues")
			}
			if calls != 0 {
				t.Fatalf("notifications=%d", calls)
			}
			drainOrFail(t, s)
		})
	}
}

func TestFinishedNotifiedOnce(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			finished := map[string]int{}
			s := newTestScheduler(t, m.threaded, NotifierFunc(func(p Progress) {
				if p.Finished {
					finished[p.ID]++
				}
			}))
			for i := 0; i < 5; i++ {
				_ = s.Submit(job.New(finishAfter(3, i), nil, job.WithID(fmt.Sprint(i))))
			}
			drainOrFail(t, s)
			if len(finished) != 5 {
				t.Fatalf("finished notifications for %d jobs", len(finished))
			}
			for id, n := range finished {
				if n != 1 {
					t.Fatalf("job %s notified finished %d times", id, n)
				}
			}
		})
	}
}

func TestStepPanicBecomesJobError(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			s := newTestScheduler(t, m.threaded, nil)
			rec := &recorder{}
			_ = s.Submit(job.New(func(context.Context, *job.Job) { panic("kaboom") }, rec.done("bad")))
			_ = s.Submit(job.New(finishWith("ok"), rec.done("good")))
			drainOrFail(t, s)

			if len(rec.calls) != 2 {
				t.Fatalf("calls=%+v", rec.calls)
			}
			for _, c := range rec.calls {
				switch c.id {
				case "bad":
					if !errors.Is(c.err, ErrStepPanic) || c.result != nil {
						t.Fatalf("bad job callback=%+v", c)
					}
				case "good":
					if c.err != nil || c.result != "ok" {
						t.Fatalf("good job callback=%+v", c)
					}
				}
			}
			if s.Snapshot().Panics != 1 {
				t.Fatalf("panics counter=%d", s.Snapshot().Panics)
			}
		})
	}
}

func TestCallbackPanicDoesNotStopReaping(t *testing.T) {
	s := newTestScheduler(t, false, nil)
	rec := &recorder{}
	_ = s.Submit(job.New(finishWith(1), func(any, any, error) { panic("callback") }))
	_ = s.Submit(job.New(finishWith(2), rec.done("after")))
	drainOrFail(t, s)
	if len(rec.calls) != 1 {
		t.Fatalf("second callback not fired")
	}
}

func TestLifecycleErrors(t *testing.T) {
	s := New(Options{})
	if err := s.Submit(job.New(finishWith(nil), nil)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("submit before init: %v", err)
	}
	if err := s.Check(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("check before init: %v", err)
	}
	if err := s.Deinit(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("deinit before init: %v", err)
	}
	if s.Find(func(*job.Job, any) bool { return true }, nil) != nil {
		t.Fatalf("find before init")
	}

	if err := s.Init(context.Background(), false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Init(context.Background(), false); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("double init: %v", err)
	}
	if err := s.Submit(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("nil job: %v", err)
	}
	if err := s.Submit(job.New(nil, nil)); !errors.Is(err, ErrNilJob) {
		t.Fatalf("nil step: %v", err)
	}
	if err := s.Deinit(); err != nil {
		t.Fatalf("deinit: %v", err)
	}
	if s.Mode() != ModeNone {
		t.Fatalf("mode after deinit=%v", s.Mode())
	}
}

func TestInitFallsBackWhenThreadsDisabled(t *testing.T) {
	s := New(Options{DisableThreads: true})
	if err := s.Init(context.Background(), true); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer s.Deinit()

	if s.Mode() != ModeCooperative {
		t.Fatalf("mode=%v", s.Mode())
	}
	for i := 0; i < 3; i++ {
		_ = s.Check()
	}
	if sw := s.Snapshot().Switches; sw != 0 {
		t.Fatalf("fallback should not retry switching, switches=%d", sw)
	}
	if !s.PreferThreaded() {
		t.Fatalf("preference lost")
	}
}

func TestInitFailsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Options{})
	err := s.Init(ctx, true)
	if !errors.Is(err, ErrInit) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if s.Initialized() {
		t.Fatalf("scheduler must stay uninitialized")
	}
}

func TestDeinitDropsUnfinishedJobs(t *testing.T) {
	s := New(Options{})
	if err := s.Init(context.Background(), false); err != nil {
		t.Fatalf("init: %v", err)
	}
	rec := &recorder{}
	stuck := job.New(func(context.Context, *job.Job) {}, rec.done("stuck"))
	_ = s.Submit(stuck)
	_ = s.Check()

	if err := s.Deinit(); err != nil {
		t.Fatalf("deinit: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("unfinished job must not complete")
	}
	if !stuck.CancelRequested() {
		t.Fatalf("dropped job should be canceled")
	}
}

func TestFindWithArg(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			s := newTestScheduler(t, m.threaded, nil)
			byTitle := func(j *job.Job, arg any) bool { return j.Title() == arg }
			if s.Find(byTitle, "x") != nil {
				t.Fatalf("found job in empty scheduler")
			}
			if s.Find(nil, nil) != nil {
				t.Fatalf("nil predicate must not match")
			}
		})
	}
}

func TestSubmitRejectsResubmission(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			s := newTestScheduler(t, m.threaded, nil)
			rec := &recorder{}
			j := job.New(finishAfter(2, "ok"), rec.done("a"))
			if err := s.Submit(j); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if err := s.Submit(j); !errors.Is(err, ErrAlreadySubmitted) {
				t.Fatalf("queued resubmit: %v", err)
			}
			drainOrFail(t, s)
			if err := s.Submit(j); !errors.Is(err, ErrAlreadySubmitted) {
				t.Fatalf("completed resubmit: %v", err)
			}
			if len(rec.calls) != 1 {
				t.Fatalf("callbacks=%d", len(rec.calls))
			}
			if snap := s.Snapshot(); snap.Submitted != 1 || snap.Completed != 1 {
				t.Fatalf("snapshot submitted=%d completed=%d", snap.Submitted, snap.Completed)
			}
		})
	}
}
