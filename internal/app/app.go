package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bgjob/internal/config"
	"bgjob/internal/eventbus"
	"bgjob/internal/jobs"
	"bgjob/internal/notify"
	"bgjob/internal/runtime/supervisor"
	"bgjob/internal/scheduler"
	"bgjob/internal/status"
	"bgjob/internal/storage"
	"bgjob/internal/trigger"
	logx "bgjob/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Scheduler
	logSink *notify.Log
	tg      *notify.Telegram
	trig    *trigger.Service
	status  *status.Service

	snap  atomic.Pointer[scheduler.Snapshot]
	tick  atomic.Int64 // time.Duration
	drain atomic.Int64 // time.Duration

	// control goroutine only
	watchdog time.Duration
	lastPing time.Time

	controlDone  chan struct{}
	unsubHistory func()

	newSpeedClient func() jobs.SpeedClient
}

type Option func(*App)

// WithSpeedClient overrides the network client used by speedtest jobs.
func WithSpeedClient(fn func() jobs.SpeedClient) Option {
	return func(a *App) { a.newSpeedClient = fn }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateSchedules(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	logSink := notify.NewLog(root, cfg.Notify.ProgressRatePerSec)
	sinks := []scheduler.Notifier{logSink, notify.NewBus(bus)}

	var tg *notify.Telegram
	if tc := mapTelegramConfig(cfg); tc.Enabled {
		sender, err := notify.NewBotSender(tc)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		tg = notify.NewTelegram(tc, sender, root)
		sinks = append(sinks, tg)
	}

	a := &App{
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		logSink: logSink,
		tg:      tg,
		sched: scheduler.New(scheduler.Options{
			Logger:         root,
			Notifier:       notify.Multi(sinks...),
			DisableThreads: cfg.Scheduler.DisableThreads,
		}),
		trig: trigger.New(mapTriggerConfig(cfg), root),
	}
	a.status = status.New(mapStatusConfig(cfg), source{a}, root)
	a.tick.Store(int64(cfg.Scheduler.TickInterval()))
	a.drain.Store(int64(cfg.Scheduler.DrainDeadline()))
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional reload: schedules are checked before commit/publish
	a.cfgm.SetLogger(a.root)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateSchedules(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.sched.Init(a.sup.Context(), cfg.Scheduler.PreferThreaded); err != nil {
		a.sup.Cancel()
		a.sup = nil
		if a.store != nil {
			_ = a.store.Close()
		}
		return err
	}
	a.publishSnapshot()

	a.syncJobs(cfg, jobNames(cfg))
	a.trig.Start(a.sup.Context())
	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}
	a.status.Start(a.sup.Context())

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, eventbus.JobFinished, eventbus.JobFailed)
		a.unsubHistory = unsub
		a.sup.Go0("history.record", func(context.Context) { a.recordHistory(events) })
	}

	// Debug-level only; job progress is already logged by the notify sink.
	events, unsub := a.bus.Subscribe(64, eventbus.JobSubmitted, eventbus.SchedulerMode)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.watchdog = watchdogInterval()
	a.controlDone = make(chan struct{})
	a.sup.Go("scheduler.control", a.control)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("mode", a.sched.Mode().String()),
		logx.Int("schedules", len(a.trig.Names())),
		logx.Bool("watchdog", a.watchdog > 0),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	for _, key := range restartRequired(oldCfg, newCfg) {
		a.log.Warn("config change requires restart to take effect", logx.String("key", key))
	}

	a.logs.Apply(newCfg.Logging.Logx())

	// picked up by the next Check on the control goroutine
	a.sched.SetPreferThreaded(newCfg.Scheduler.PreferThreaded)
	a.tick.Store(int64(newCfg.Scheduler.TickInterval()))
	a.drain.Store(int64(newCfg.Scheduler.DrainDeadline()))

	a.logSink.SetRate(newCfg.Notify.ProgressRatePerSec)
	if a.tg != nil {
		a.tg.SetRate(newCfg.Notify.Telegram.RatePerSec)
	}

	a.trig.Apply(mapTriggerConfig(newCfg))
	a.syncJobs(newCfg, jobsChanged)

	a.status.Reconfigure(ctx, mapStatusConfig(newCfg))

	a.log.Info("config applied", fields...)
}

func (a *App) jobDeps() jobs.Deps {
	return jobs.Deps{
		Done:           a.onJobDone,
		Parent:         a.sup.Context(),
		NewSpeedClient: a.newSpeedClient,
	}
}

// syncJobs (re)registers the named jobs from cfg. Names missing from cfg, or
// with an empty schedule, are unscheduled.
func (a *App) syncJobs(cfg *config.Config, names []string) {
	byName := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		byName[strings.TrimSpace(jc.Name)] = jc
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		jc, ok := byName[name]
		if !ok || strings.TrimSpace(jc.Schedule) == "" {
			if a.trig.Remove(name) {
				a.log.Info("job unscheduled", logx.String("job", name))
			}
			continue
		}
		if err := a.trig.Add(name, jc.Schedule, jobs.Factory(jc, a.jobDeps())); err != nil {
			a.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
			continue
		}
		a.log.Info("job scheduled", logx.String("job", name), logx.String("kind", jc.Kind), logx.String("schedule", jc.Schedule))
	}
}

func jobNames(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		out = append(out, jc.Name)
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// no new firings while the scheduler drains
	a.stopStep(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })

	// The control loop sees the cancel, then cancels, drains and deinitializes the scheduler.
	a.sup.Cancel()
	drain := time.Duration(a.drain.Load())
	a.stopStep(ctx, "scheduler", drain+2*time.Second, func(c context.Context) error {
		select {
		case <-a.controlDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.stopStep(ctx, "status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.stopStep(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})

	// closing the subscription lets the recorder flush what the drain produced
	if a.unsubHistory != nil {
		a.unsubHistory()
	}
	a.stopStep(ctx, "supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("trigger_dropped", a.trig.Dropped()), logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
