package jobs

import (
	"context"
	"time"

	"bgjob/internal/job"
)

// NewCountdown builds a job that takes n steps, reporting 100*i/n after step i,
// and finishes with n. A positive delay sleeps (cancellably) inside each step.
func NewCountdown(n int, delay time.Duration, done job.DoneFunc, opts ...job.Option) *job.Job {
	i := 0
	step := func(ctx context.Context, j *job.Job) {
		if err := ctx.Err(); err != nil {
			j.Fail(err)
			return
		}
		if delay > 0 && !sleep(ctx, delay) {
			j.Fail(ctx.Err())
			return
		}
		i++
		j.SetProgress(100 * i / n)
		if i >= n {
			j.Finish(n)
		}
	}
	return job.New(step, done, append([]job.Option{job.WithKind("countdown")}, opts...)...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
