package jobs

import (
	"context"
	"strings"

	"bgjob/internal/config"
	"bgjob/internal/job"
)

// Deps carries what built jobs need from the host.
type Deps struct {
	// Done is attached to every built job. Optional.
	Done job.DoneFunc
	// Parent, when set, cancels built jobs when it is done.
	Parent context.Context
	// NewSpeedClient overrides the speedtest network client.
	NewSpeedClient func() SpeedClient
}

// Build validates cfg and builds one job. The schedule name becomes the job input
// so completion callbacks can tell runs of different schedules apart.
func Build(cfg config.JobConfig, deps Deps) (*job.Job, error) {
	if err := config.ValidateJob("job "+cfg.Name, cfg); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(cfg.Title)
	if title == "" {
		title = cfg.Name
	}
	opts := []job.Option{job.WithTitle(title), job.WithInput(cfg.Name)}
	if deps.Parent != nil {
		opts = append(opts, job.WithParent(deps.Parent))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.KindCountdown:
		delay, _ := config.ParseDurationField("step_delay", cfg.StepDelay)
		return NewCountdown(cfg.Steps, delay, deps.Done, opts...), nil
	case config.KindDigest:
		return NewDigest(cfg.Path, cfg.ChunkSize, deps.Done, opts...), nil
	default: // config.KindSpeedtest; ValidateJob rejects anything else
		newClient := deps.NewSpeedClient
		if newClient == nil {
			newClient = NewSpeedClient
		}
		return NewSpeedtest(newClient(), cfg.Servers, deps.Done, opts...), nil
	}
}

// Factory returns a builder for cfg matching trigger.Factory.
func Factory(cfg config.JobConfig, deps Deps) func(name string) (*job.Job, error) {
	return func(string) (*job.Job, error) { return Build(cfg, deps) }
}
