package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bgjob/internal/job"
)

func TestThreadedSubmitWhileDraining(t *testing.T) {
	s := newTestScheduler(t, true, nil)
	const total = 100

	fired := map[string]int{}
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("job-%03d", i)
		j := job.New(finishAfter(1+i%4, id), func(result, input any, err error) {
			fired[result.(string)]++
		}, job.WithID(id))
		if err := s.Submit(j); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if i%10 == 0 {
			_ = s.Check()
		}
	}
	drainOrFail(t, s)

	if len(fired) != total {
		t.Fatalf("callbacks for %d jobs, want %d", len(fired), total)
	}
	for id, n := range fired {
		if n != 1 {
			t.Fatalf("%s fired %d times", id, n)
		}
	}
	snap := s.Snapshot()
	if snap.Completed != total || snap.Outstanding != 0 || len(snap.Queued) != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestThreadedProgressFromStep(t *testing.T) {
	s := newTestScheduler(t, true, nil)
	var seen []int
	rec := &recorder{}
	d := job.New(func(ctx context.Context, j *job.Job) {
		j.SetProgress(j.Progress() + 20)
		seen = append(seen, j.Progress())
		if j.Progress() == 100 {
			j.Finish("d")
		}
	}, rec.done("D"))
	_ = s.Submit(d)
	drainOrFail(t, s)

	// seen is written only by the worker; Drain returning orders it before this read.
	if fmt.Sprint(seen) != "[20 40 60 80 100]" {
		t.Fatalf("progress=%v", seen)
	}
	if len(rec.calls) != 1 || rec.calls[0].result != "d" {
		t.Fatalf("callbacks=%+v", rec.calls)
	}
}

func TestThreadedCancelAll(t *testing.T) {
	s := newTestScheduler(t, true, nil)
	var ran, sawCancel atomic.Bool
	rec := &recorder{}
	f := job.New(func(ctx context.Context, j *job.Job) {
		ran.Store(true)
		if ctx.Err() != nil {
			sawCancel.Store(true)
			j.Fail(ctx.Err())
		}
	}, rec.done("F"))
	_ = s.Submit(f)

	deadline := time.Now().Add(2 * time.Second)
	for !ran.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("worker never stepped the job")
		}
		time.Sleep(time.Millisecond)
	}
	if n := s.CancelAll(); n == 0 {
		t.Fatalf("job not reached by CancelAll")
	}
	drainOrFail(t, s)

	if !sawCancel.Load() {
		t.Fatalf("step never observed cancel")
	}
	if len(rec.calls) != 1 || !errors.Is(rec.calls[0].err, context.Canceled) {
		t.Fatalf("callbacks=%+v", rec.calls)
	}
}

// blocker parks the worker inside its first step until release is closed.
func blocker(entered, release chan struct{}) job.StepFunc {
	return func(ctx context.Context, j *job.Job) {
		close(entered)
		<-release
		j.Finish("blocker")
	}
}

func TestThreadedFindReleasesLock(t *testing.T) {
	s := newTestScheduler(t, true, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	_ = s.Submit(job.New(blocker(entered, release), nil))
	<-entered

	// The worker is busy, so these stay in the running queue.
	target := job.New(finishWith("t"), nil, job.WithTitle("target"))
	_ = s.Submit(job.New(finishWith("o"), nil, job.WithTitle("other")))
	_ = s.Submit(target)

	byTitle := func(j *job.Job, arg any) bool { return j.Title() == arg }
	if got := s.Find(byTitle, "target"); got != target {
		t.Fatalf("find returned %v", got)
	}
	if got := s.Find(byTitle, "missing"); got != nil {
		t.Fatalf("find returned %v for missing title", got)
	}

	// Every path above must have released the running lock.
	ok := make(chan struct{})
	go func() {
		_ = s.Submit(job.New(finishWith("late"), nil))
		_ = s.CancelAll()
		close(ok)
	}()
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("running lock still held after Find")
	}

	close(release)
	drainOrFail(t, s)
}

func TestThreadedDeinitReapsFinished(t *testing.T) {
	s := New(Options{})
	if err := s.Init(context.Background(), true); err != nil {
		t.Fatalf("init: %v", err)
	}
	ran := make(chan struct{})
	rec := &recorder{}
	_ = s.Submit(job.New(func(ctx context.Context, j *job.Job) {
		j.Finish("done")
		close(ran)
	}, rec.done("x")))
	<-ran

	if err := s.Deinit(); err != nil {
		t.Fatalf("deinit: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0].result != "done" {
		t.Fatalf("callbacks=%+v", rec.calls)
	}
}

func TestHotSwapCooperativeToThreaded(t *testing.T) {
	var finishedIn []Mode
	s := newTestScheduler(t, false, NotifierFunc(func(p Progress) {
		if p.Finished {
			finishedIn = append(finishedIn, p.Mode)
		}
	}))
	rec := &recorder{}
	for _, id := range []string{"A", "B", "C"} {
		_ = s.Submit(job.New(finishAfter(3, id), rec.done(id), job.WithID(id)))
	}
	_ = s.Check()

	s.SetPreferThreaded(true)
	if err := s.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if s.Mode() != ModeThreaded {
		t.Fatalf("mode=%v", s.Mode())
	}
	drainOrFail(t, s)

	if fmt.Sprint(rec.order()) != "[A B C]" {
		t.Fatalf("order=%v", rec.order())
	}
	for _, m := range finishedIn {
		if m != ModeThreaded {
			t.Fatalf("job finished under %v", m)
		}
	}
	if s.Snapshot().Switches != 1 {
		t.Fatalf("switches=%d", s.Snapshot().Switches)
	}
}

func TestHotSwapThreadedToCooperative(t *testing.T) {
	s := newTestScheduler(t, true, nil)
	var release atomic.Bool
	steps := map[string]*atomic.Int32{}
	rec := &recorder{}
	for _, id := range []string{"A", "B", "C"} {
		n := &atomic.Int32{}
		steps[id] = n
		_ = s.Submit(job.New(func(ctx context.Context, j *job.Job) {
			n.Add(1)
			if release.Load() {
				j.Finish(j.ID())
			}
		}, rec.done(id), job.WithID(id)))
	}

	s.SetPreferThreaded(false)
	if err := s.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if s.Mode() != ModeCooperative {
		t.Fatalf("mode=%v", s.Mode())
	}
	if n := s.Snapshot().Outstanding; n != 3 {
		t.Fatalf("outstanding after swap=%d", n)
	}

	// The worker is gone: step counts are stable until we poll.
	before := steps["A"].Load()
	time.Sleep(10 * time.Millisecond)
	if steps["A"].Load() != before {
		t.Fatalf("worker still running after swap")
	}

	release.Store(true)
	drainOrFail(t, s)
	if fmt.Sprint(rec.order()) != "[A B C]" {
		t.Fatalf("order=%v", rec.order())
	}
}
