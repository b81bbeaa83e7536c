package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bgjob/internal/job"
	logx "bgjob/pkg/logx"
)

const (
	DefaultQueueSize = 64
	startupDelay     = time.Second
	fireWarnThrottle = 5 * time.Second
)

var (
	ErrNameRequired = errors.New("trigger: name required")
	ErrNoFactory    = errors.New("trigger: factory required")
	ErrQueueFull    = errors.New("trigger: queue full")
)

// Factory builds a new job for one firing of the named schedule.
type Factory func(name string) (*job.Job, error)

type Config struct {
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"
	QueueSize int
}

// Fire is one triggered job waiting to be submitted.
type Fire struct {
	Name string
	Job  *job.Job
	At   time.Time
}

type scheduleDef struct {
	name    string
	parsed  ParsedSpec
	build   Factory
	entryID cron.EntryID
	spread  time.Duration
	fired   atomic.Uint64
}

type ScheduleInfo struct {
	Name   string        `json:"name"`
	Kind   string        `json:"kind"`
	Spec   string        `json:"spec"`
	Spread time.Duration `json:"spread,omitempty"`
	Next   time.Time     `json:"next,omitzero"`
	Prev   time.Time     `json:"prev,omitzero"`
	Fired  uint64        `json:"fired"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c      *cron.Cron
	defs   []*scheduleDef
	timers map[string]*time.Timer // @startup

	out     chan Fire
	dropped atomic.Uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "trigger")),
		out:      make(chan Fire, cfg.QueueSize),
		timers:   map[string]*time.Timer{},
		lastWarn: map[string]time.Time{},
	}
}

// C delivers triggered jobs. The receiver owns each job.
func (s *Service) C() <-chan Fire { return s.out }

// Dropped counts firings lost because the queue was full or the factory failed.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Apply updates the config. A timezone change restarts cron with every schedule re-registered.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg.Timezone = cfg.Timezone
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.restartLocked()
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Add parses schedule and registers build under name, replacing any schedule with the same name.
func (s *Service) Add(name, schedule string, build Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if build == nil {
		return ErrNoFactory
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, parsed: ps, build: build}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names lists registered schedules in registration order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

// Trigger fires name immediately, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("trigger: unknown schedule %q", name)
	}
	return s.fire(d)
}

func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:   d.name,
			Kind:   d.parsed.Kind.String(),
			Spec:   d.parsed.Spec(),
			Spread: d.spread,
			Fired:  d.fired.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	return items
}

func (s *Service) fire(d *scheduleDef) error {
	j, err := d.build(d.name)
	if err == nil && j == nil {
		err = errors.New("factory returned nil job")
	}
	if err != nil {
		s.dropped.Add(1)
		s.reportFireError(d.name, err)
		return err
	}
	d.fired.Add(1)
	select {
	case s.out <- Fire{Name: d.name, Job: j, At: time.Now()}:
		s.log.Debug("schedule fired", logx.String("name", d.name), logx.String("job", j.String()))
		return nil
	default:
		s.dropped.Add(1)
		j.RequestCancel()
		s.reportFireError(d.name, ErrQueueFull)
		return ErrQueueFull
	}
}

// registerLocked adds d to the running cron (or arms its startup timer). Call with s.mu held.
func (s *Service) registerLocked(d *scheduleDef) {
	run := cron.FuncJob(func() { _ = s.fire(d) })
	d.spread = 0

	switch {
	case d.parsed.Kind == SpecStartup:
		if _, ok := s.timers[d.name]; !ok {
			s.timers[d.name] = time.AfterFunc(startupDelay, run)
		}
	case d.parsed.Kind == SpecInterval, strings.HasPrefix(d.parsed.Cron, "@every"):
		every := d.parsed.Every
		if every <= 0 {
			every, _ = time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.parsed.Cron, "@every")))
		}
		if every > 0 {
			sched, jitter := intervalWithSpread(every, time.Now().In(s.loc), d.name)
			d.spread = jitter
			d.entryID = s.c.Schedule(sched, run)
			break
		}
		fallthrough
	default:
		eid, err := s.c.AddJob(d.parsed.Spec(), run)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.parsed.Spec()), logx.Err(err))
			return
		}
		d.entryID = eid
	}

	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.parsed.Spec())}
	if d.spread > 0 {
		fields = append(fields, logx.Duration("spread", d.spread))
	}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
}

// removeLocked drops every def named name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name != name {
			s.defs[n] = d
			n++
			continue
		}
		removed = true
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	return removed
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if d.parsed.Kind == SpecStartup {
			continue
		}
		d.entryID = 0
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) reportFireError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < fireWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule firing dropped",
		logx.String("name", name),
		logx.Uint64("dropped_total", s.dropped.Load()),
		logx.Err(err),
	)
}
