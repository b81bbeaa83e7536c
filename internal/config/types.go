package config

import logx "bgjob/pkg/logx"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify"`
	Storage   StorageConfig   `json:"storage"`
	Status    StatusConfig    `json:"status"`
	Trigger   TriggerConfig   `json:"trigger"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the logging section into the logger service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// SchedulerConfig controls the job scheduler.
//
// All durations are Go duration strings (e.g. "50ms", "10s").
//
// Defaults (when fields are omitted/zero):
//   - tick: "100ms"
//   - drain_timeout: "30s"
//
// prefer_threaded is hot-reloadable: the next Check switches backends.
// disable_threads is read once at startup.
type SchedulerConfig struct {
	PreferThreaded bool   `json:"prefer_threaded"`
	Tick           string `json:"tick,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
	DisableThreads bool   `json:"disable_threads,omitempty"`
}

type NotifyConfig struct {
	// ProgressRatePerSec caps progress log lines per job. 0 silences progress logs.
	ProgressRatePerSec float64        `json:"progress_rate_per_sec"`
	Telegram           TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"` // do not log
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
}

// StorageConfig controls the optional job history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db", "retain": 5000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
//
// Prefer binding to localhost. A bearer token is required for non-loopback addresses.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

type TriggerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// JobConfig describes one scheduled job.
//
// Schedule accepts a cron expression ("*/5 * * * *", "@hourly"), a Go duration ("10m"),
// or an HH:MM interval ("01:30"). An empty schedule registers nothing.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Kind     string `json:"kind"`
	Title    string `json:"title,omitempty"`

	// countdown
	Steps     int    `json:"steps,omitempty"`
	StepDelay string `json:"step_delay,omitempty"`

	// digest
	Path      string `json:"path,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`

	// speedtest
	Servers int `json:"servers,omitempty"`
}
