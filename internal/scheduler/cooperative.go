package scheduler

import (
	"context"

	"bgjob/internal/job"
)

// cooperative runs steps on the goroutine that polls. It owns no goroutines and
// takes no locks; every call must come from the same goroutine.
type cooperative struct {
	env      *env
	running  job.Queue
	finished job.Queue
}

func newCooperative(e *env) *cooperative { return &cooperative{env: e} }

func (c *cooperative) mode() Mode { return ModeCooperative }

func (c *cooperative) submit(j *job.Job) { c.running.Push(j) }

func (c *cooperative) pollAndReap() {
	for _, j := range c.running.Drain() {
		c.env.step(j)
		c.env.emit(j, ModeCooperative)
		if j.Finished() {
			c.finished.Push(j)
		} else {
			c.running.Push(j)
		}
	}
	for _, j := range c.finished.Drain() {
		c.env.complete(j)
	}
}

func (c *cooperative) drain(ctx context.Context) error {
	for c.running.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.pollAndReap()
	}
	// Jobs adopted as already finished may still wait for their callback.
	if c.finished.Len() > 0 {
		c.pollAndReap()
	}
	return nil
}

func (c *cooperative) cancelAll() int {
	n := 0
	c.running.Each(func(j *job.Job) bool {
		j.RequestCancel()
		n++
		return true
	})
	return n
}

func (c *cooperative) find(pred job.Predicate, arg any) *job.Job {
	var found *job.Job
	c.running.Each(func(j *job.Job) bool {
		if pred(j, arg) {
			found = j
			return false
		}
		return true
	})
	return found
}

func (c *cooperative) outstanding() int { return c.running.Len() + c.finished.Len() }

func (c *cooperative) queued() []JobView {
	out := make([]JobView, 0, c.running.Len())
	c.running.Each(func(j *job.Job) bool {
		out = append(out, viewOf(j))
		return true
	})
	return out
}

func (c *cooperative) stop() handoff {
	return handoff{running: c.running.Drain(), finished: c.finished.Drain()}
}

func (c *cooperative) adopt(h handoff) {
	c.running.PushAll(h.running)
	for _, j := range h.finished {
		// Finished elsewhere but never reported.
		c.env.emit(j, ModeCooperative)
		c.finished.Push(j)
	}
}
