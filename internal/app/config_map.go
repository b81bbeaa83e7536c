package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bgjob/internal/config"
	"bgjob/internal/notify"
	"bgjob/internal/status"
	"bgjob/internal/storage"
	"bgjob/internal/trigger"
)

// ValidateConfig runs the static checks plus schedule parsing, which needs the trigger package.
func ValidateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return validateSchedules(cfg)
}

func validateSchedules(cfg *config.Config) error {
	var errs []error
	for i, j := range cfg.Jobs {
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if _, err := trigger.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d].schedule: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retain:      sc.Retain,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) notify.TelegramConfig {
	tg := cfg.Notify.Telegram
	return notify.TelegramConfig{
		Enabled:    tg.Enabled,
		Token:      strings.TrimSpace(tg.Token),
		ChatID:     tg.ChatID,
		ThreadID:   tg.ThreadID,
		RatePerSec: tg.RatePerSec,
		QueueSize:  tg.QueueSize,
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    cfg.Status.StatusAddr(),
		Token:   strings.TrimSpace(cfg.Status.Token),
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Timezone: strings.TrimSpace(cfg.Trigger.Timezone)}
}

// restartRequired lists changed settings that are only read at startup.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Scheduler.DisableThreads != newCfg.Scheduler.DisableThreads {
		out = append(out, "scheduler.disable_threads")
	}
	oldTG, newTG := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	oldTG.RatePerSec, newTG.RatePerSec = 0, 0
	if oldTG != newTG {
		out = append(out, "notify.telegram")
	}
	return out
}
