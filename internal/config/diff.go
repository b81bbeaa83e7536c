package config

import (
	"sort"
	"strings"

	logx "bgjob/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens),
// and (3) the names of jobs that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.prefer_threaded", newCfg.Scheduler.PreferThreaded),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(newCfg.Scheduler.DrainTimeout)),
		)
		if oldCfg.Scheduler.DisableThreads != newCfg.Scheduler.DisableThreads {
			attrs = append(attrs, logx.Bool("scheduler.disable_threads_restart_required", true))
		}
	}

	// Notify (never log the bot token)
	oT, nT := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	tokenChanged := strings.TrimSpace(oT.Token) != strings.TrimSpace(nT.Token)
	oT.Token, nT.Token = "", ""
	if oldCfg.Notify.ProgressRatePerSec != newCfg.Notify.ProgressRatePerSec || oT != nT || tokenChanged {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Any("notify.progress_rate_per_sec", newCfg.Notify.ProgressRatePerSec),
			logx.Bool("notify.telegram_enabled", nT.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
			logx.Bool("notify.telegram_token_changed", tokenChanged),
			logx.Any("notify.telegram_rate_per_sec", nT.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
			logx.Int("storage.retain", newCfg.Storage.Retain),
		)
	}

	// Status (never log the token)
	oS, nS := oldCfg.Status, newCfg.Status
	if oS.Enabled != nS.Enabled ||
		strings.TrimSpace(oS.Addr) != strings.TrimSpace(nS.Addr) ||
		strings.TrimSpace(oS.Token) != strings.TrimSpace(nS.Token) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nS.Enabled),
			logx.String("status.addr", strings.TrimSpace(nS.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(nS.Token) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)))
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := indexJobs(oldJobs)
	newM := indexJobs(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func indexJobs(jobs []JobConfig) map[string]JobConfig {
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}
