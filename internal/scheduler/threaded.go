package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"bgjob/internal/job"
	"bgjob/internal/runtime/supervisor"
)

// threaded multiplexes jobs on one worker goroutine.
//
// Lock order: running (mu) and finished (finMu) are never held together.
// A job is always in exactly one of: running queue, worker batch, finished queue.
type threaded struct {
	env *env
	sup *supervisor.Supervisor

	mu       sync.Mutex
	wake     *sync.Cond
	running  job.Queue
	batch    []*job.Job // worker-local, published for cancelAll only
	shutdown bool

	finMu    sync.Mutex
	finished job.Queue

	// pending counts jobs not yet moved to the finished queue.
	pending    atomic.Int64
	finishedCh chan struct{}
}

func newThreaded(e *env) *threaded {
	t := &threaded{env: e, finishedCh: make(chan struct{}, 1)}
	t.wake = sync.NewCond(&t.mu)
	return t
}

func (t *threaded) mode() Mode { return ModeThreaded }

// start launches the worker. The worker outlives ctx: it stops only through stop,
// so a canceled host context cannot strand queued jobs.
func (t *threaded) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(t.env.log))
	t.sup.Go0("scheduler.worker", t.loop)
	return nil
}

func (t *threaded) loop(context.Context) {
	for {
		t.mu.Lock()
		for !t.shutdown && t.running.Len() == 0 {
			t.wake.Wait()
		}
		if t.shutdown {
			t.mu.Unlock()
			return
		}
		batch := t.running.Drain()
		t.batch = batch
		t.mu.Unlock()

		for _, j := range batch {
			t.env.step(j)
			if j.Finished() {
				t.finMu.Lock()
				t.finished.Push(j)
				t.finMu.Unlock()
				t.pending.Add(-1)
				t.signalFinished()
				continue
			}
			t.mu.Lock()
			t.running.Push(j)
			t.wake.Signal()
			t.mu.Unlock()
		}

		t.mu.Lock()
		t.batch = nil
		t.mu.Unlock()
	}
}

func (t *threaded) signalFinished() {
	select {
	case t.finishedCh <- struct{}{}:
	default:
	}
}

func (t *threaded) submit(j *job.Job) {
	t.pending.Add(1)
	t.mu.Lock()
	t.running.Push(j)
	t.wake.Signal()
	t.mu.Unlock()
}

func (t *threaded) pollAndReap() {
	t.mu.Lock()
	t.running.Each(func(j *job.Job) bool {
		t.env.emit(j, ModeThreaded)
		return true
	})
	t.mu.Unlock()

	t.finMu.Lock()
	done := t.finished.Drain()
	t.finMu.Unlock()

	// Callbacks run here, on the polling goroutine, outside both locks.
	for _, j := range done {
		t.env.emit(j, ModeThreaded)
		t.env.complete(j)
	}
}

func (t *threaded) drain(ctx context.Context) error {
	for {
		t.pollAndReap()
		if t.pending.Load() == 0 {
			t.pollAndReap()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.finishedCh:
		}
	}
}

// cancelAll also reaches jobs the worker is stepping right now; context cancel is goroutine-safe.
func (t *threaded) cancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.running.Each(func(j *job.Job) bool {
		j.RequestCancel()
		n++
		return true
	})
	for _, j := range t.batch {
		j.RequestCancel()
		n++
	}
	return n
}

func (t *threaded) find(pred job.Predicate, arg any) *job.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *job.Job
	t.running.Each(func(j *job.Job) bool {
		if pred(j, arg) {
			found = j
			return false
		}
		return true
	})
	return found
}

func (t *threaded) outstanding() int {
	t.finMu.Lock()
	n := t.finished.Len()
	t.finMu.Unlock()
	return int(t.pending.Load()) + n
}

func (t *threaded) queued() []JobView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobView, 0, t.running.Len())
	t.running.Each(func(j *job.Job) bool {
		out = append(out, viewOf(j))
		return true
	})
	return out
}

// stop sets the shutdown flag, wakes and joins the worker. The worker finishes
// its current batch first, so every job ends up in one of the two queues.
func (t *threaded) stop() handoff {
	t.mu.Lock()
	t.shutdown = true
	t.wake.Broadcast()
	t.mu.Unlock()

	if t.sup != nil {
		_ = t.sup.Wait(context.Background())
		t.sup.Cancel()
	}

	t.mu.Lock()
	running := t.running.Drain()
	t.mu.Unlock()
	t.finMu.Lock()
	finished := t.finished.Drain()
	t.finMu.Unlock()
	t.pending.Store(0)
	return handoff{running: running, finished: finished}
}

func (t *threaded) adopt(h handoff) {
	t.finMu.Lock()
	t.finished.PushAll(h.finished)
	t.finMu.Unlock()

	if len(h.running) == 0 {
		return
	}
	t.pending.Add(int64(len(h.running)))
	t.mu.Lock()
	t.running.PushAll(h.running)
	t.wake.Signal()
	t.mu.Unlock()
}
