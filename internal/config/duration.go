package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTick         = 100 * time.Millisecond
	DefaultDrainTimeout = 30 * time.Second
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// TickInterval is how often the host calls Check.
func (s SchedulerConfig) TickInterval() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.tick", s.Tick, DefaultTick)
	if err != nil {
		return DefaultTick
	}
	return d
}

// DrainDeadline bounds the shutdown drain.
func (s SchedulerConfig) DrainDeadline() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.drain_timeout", s.DrainTimeout, DefaultDrainTimeout)
	if err != nil {
		return DefaultDrainTimeout
	}
	return d
}
