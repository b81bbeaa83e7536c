package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bgjob/internal/scheduler"
	logx "bgjob/pkg/logx"
)

// limiterIdle is how long a job may go without progress before its limiter is swept.
// Jobs dropped by Deinit never report Finished, so their entries only leave this way.
const limiterIdle = 10 * time.Minute

type jobLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Log writes job progress to the structured log.
//
// Progress lines are Debug and throttled per job; finish (Info) and failure (Warn)
// are always written.
type Log struct {
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	limit rate.Limit
	burst int
	jobs  map[string]*jobLimiter
	swept time.Time
}

func NewLog(log logx.Logger, perSec float64) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Log{log: log.With(logx.String("comp", "notify")), now: time.Now, jobs: map[string]*jobLimiter{}}
	l.SetRate(perSec)
	return l
}

// SetRate changes the per-job progress budget. perSec <= 0 silences progress lines.
func (l *Log) SetRate(perSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perSec <= 0 {
		l.limit, l.burst = 0, 0
	} else {
		l.limit, l.burst = rate.Limit(perSec), max(1, int(perSec))
	}
	for _, e := range l.jobs {
		e.lim.SetLimit(l.limit)
		e.lim.SetBurst(l.burst)
	}
}

func (l *Log) Notify(p scheduler.Progress) {
	fields := []logx.Field{
		logx.String("job", p.ID),
		logx.String("kind", p.Kind),
		logx.String("title", p.Title),
		logx.String("mode", p.Mode.String()),
		logx.Int("steps", p.Steps),
	}
	if p.Finished {
		l.forget(p.ID)
		if p.Err != nil {
			l.log.Warn("job failed", append(fields, logx.Err(p.Err), logx.Bool("canceled", p.Canceled))...)
			return
		}
		l.log.Info("job finished", fields...)
		return
	}
	if !l.log.Enabled(logx.LevelDebug) || !l.allow(p.ID) {
		return
	}
	if p.Indeterminate {
		fields = append(fields, logx.String("progress", "?"))
	} else {
		fields = append(fields, logx.Int("progress", p.Percent))
	}
	l.log.Debug("job progress", fields...)
}

func (l *Log) allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := l.jobs[id]
	if e == nil {
		l.sweepLocked(now)
		e = &jobLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.jobs[id] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *Log) sweepLocked(now time.Time) {
	if now.Sub(l.swept) < limiterIdle {
		return
	}
	l.swept = now
	for id, e := range l.jobs {
		if now.Sub(e.seen) >= limiterIdle {
			delete(l.jobs, id)
		}
	}
}

func (l *Log) forget(id string) {
	l.mu.Lock()
	delete(l.jobs, id)
	l.mu.Unlock()
}

// tracked reports how many jobs currently hold a limiter.
func (l *Log) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}
