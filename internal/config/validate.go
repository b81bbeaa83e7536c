package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"bgjob/internal/storage"
	logx "bgjob/pkg/logx"
)

// Job kinds understood by the built-in job factories.
const (
	KindCountdown = "countdown"
	KindDigest    = "digest"
	KindSpeedtest = "speedtest"
)

const DefaultStatusAddr = "127.0.0.1:8089"

// Validate checks everything that can be checked without touching the
// outside world. Schedule expressions are checked by the trigger service.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if _, err := ParseDurationField("scheduler.tick", cfg.Scheduler.Tick); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Notify.ProgressRatePerSec < 0 {
		errs = append(errs, errors.New("notify.progress_rate_per_sec: must be >= 0"))
	}
	if tg := cfg.Notify.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token: required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required when enabled"))
		}
		if tg.RatePerSec < 0 || tg.QueueSize < 0 {
			errs = append(errs, errors.New("notify.telegram: rate_per_sec and queue_size must be >= 0"))
		}
	}

	if !storage.ValidDriver(cfg.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" && d != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path: required when a driver is set"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage.Retain < 0 {
		errs = append(errs, errors.New("storage.retain: must be >= 0"))
	}

	if cfg.Status.Enabled {
		if err := validateStatusAddr(cfg.Status); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("trigger.timezone: %w", err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = struct{}{}
		if err := ValidateJob(path, j); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ValidateJob checks the kind-specific fields of one job.
func ValidateJob(path string, j JobConfig) error {
	switch strings.ToLower(strings.TrimSpace(j.Kind)) {
	case KindCountdown:
		if j.Steps <= 0 {
			return fmt.Errorf("%s.steps: must be > 0", path)
		}
		if _, err := ParseDurationField(path+".step_delay", j.StepDelay); err != nil {
			return err
		}
	case KindDigest:
		if strings.TrimSpace(j.Path) == "" {
			return fmt.Errorf("%s.path: required for digest", path)
		}
		if j.ChunkSize < 0 {
			return fmt.Errorf("%s.chunk_size: must be >= 0", path)
		}
	case KindSpeedtest:
		if j.Servers < 0 {
			return fmt.Errorf("%s.servers: must be >= 0", path)
		}
	default:
		return fmt.Errorf("%s.kind: unknown kind %q", path, j.Kind)
	}
	return nil
}

// StatusAddr returns the configured listen address or the default.
func (s StatusConfig) StatusAddr() string {
	if a := strings.TrimSpace(s.Addr); a != "" {
		return a
	}
	return DefaultStatusAddr
}

func validateStatusAddr(s StatusConfig) error {
	host, _, err := net.SplitHostPort(s.StatusAddr())
	if err != nil {
		return fmt.Errorf("status.addr: %w", err)
	}
	if strings.TrimSpace(s.Token) != "" || isLoopback(host) {
		return nil
	}
	return fmt.Errorf("status.addr: %q is not loopback; set status.token", s.StatusAddr())
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
