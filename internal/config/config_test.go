package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "bgjob/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  prefer_threaded: true
  tick: 50ms
  drain_timeout: 5s
notify:
  progress_rate_per_sec: 2
storage:
  driver: sqlite
  path: ./data/history.db
  retain: 100
trigger:
  timezone: UTC
jobs:
  - name: tick
    schedule: "@every 1m"
    kind: countdown
    steps: 10
    step_delay: 10ms
  - name: sum
    schedule: 10m
    kind: digest
    path: /etc/hostname
`

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"prefer_threaded": true, "tick": "50ms", "drain_timeout": "5s"},
  "notify": {"progress_rate_per_sec": 2},
  "storage": {"driver": "sqlite", "path": "./data/history.db", "retain": 100},
  "trigger": {"timezone": "UTC"},
  "jobs": [
    {"name": "tick", "schedule": "@every 1m", "kind": "countdown", "steps": 10, "step_delay": "10ms"},
    {"name": "sum", "schedule": "10m", "kind": "digest", "path": "/etc/hostname"}
  ]
}`

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	y, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	j, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if hashConfig(y) != hashConfig(j) {
		t.Fatalf("yaml and json differ:\n%+v\n%+v", y, j)
	}
	if !y.Scheduler.PreferThreaded || y.Scheduler.TickInterval() != 50*time.Millisecond || len(y.Jobs) != 2 {
		t.Fatalf("unexpected decode: %+v", y)
	}
	if err := Validate(y); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"unknown json field", "c.json", `{"scheduler": {"workers": 2}}`},
		{"unknown yaml field", "c.yml", "scheduler:\n  workers: 2\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "scheduler: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Scheduler.TickInterval() != DefaultTick || cfg.Scheduler.DrainDeadline() != DefaultDrainTimeout {
		t.Fatalf("defaults not applied: %+v", cfg.Scheduler)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mut     func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad tick", func(c *Config) { c.Scheduler.Tick = "soon" }, "scheduler.tick"},
		{"negative drain", func(c *Config) { c.Scheduler.DrainTimeout = "-1s" }, "scheduler.drain_timeout"},
		{"telegram no token", func(c *Config) { c.Notify.Telegram = TelegramConfig{Enabled: true, ChatID: 1} }, "telegram.token"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"driver without path", func(c *Config) { c.Storage = StorageConfig{Driver: "file"} }, "storage.path"},
		{"public status without token", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "0.0.0.0:80"} }, "status.addr"},
		{"public status with token", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "0.0.0.0:80", Token: "s"} }, ""},
		{"bad timezone", func(c *Config) { c.Trigger.Timezone = "Mars/Olympus" }, "trigger.timezone"},
		{"duplicate job", func(c *Config) { c.Jobs = append(c.Jobs, c.Jobs[0]) }, "duplicate"},
		{"unknown kind", func(c *Config) { c.Jobs[0].Kind = "mine" }, "unknown kind"},
		{"countdown without steps", func(c *Config) { c.Jobs[0].Steps = 0 }, "steps"},
		{"digest without path", func(c *Config) { c.Jobs[1].Path = "" }, "path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode("c.json", []byte(sampleJSON))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.mut(cfg)
			err = Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg, _ := Decode("c.json", []byte(sampleJSON))

	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 || len(jobs) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", changed, jobs)
	}

	newCfg.Scheduler.PreferThreaded = false
	newCfg.Notify.Telegram.Token = "123:secret-token"
	newCfg.Status.Token = "status-secret"
	newCfg.Jobs[0].Steps = 20
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "net", Kind: KindSpeedtest})

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"jobs", "notify", "scheduler", "status"}
	if fmt.Sprint(changed) != fmt.Sprint(want) {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if fmt.Sprint(jobs) != "[net tick]" {
		t.Fatalf("jobs=%v", jobs)
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Fatalf("summary leaked a token: %s", out)
	}
	if !strings.Contains(out, `"notify.telegram_token_changed":true`) {
		t.Fatalf("token change not surfaced: %s", out)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{Trigger: TriggerConfig{Timezone: "UTC"}}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("subscriber got %+v, want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	m.publish(first) // no subscribers left; must not panic
}

func TestWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bgjob.yaml")
	write := func(level string) {
		body := "logging:\n  level: " + level + "\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// The watcher starts asynchronously; rewrite until a reload lands.
	levels := []string{"debug", "warn"}
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		write(levels[i%2])
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" && cfg.Logging.Level != "warn" {
				t.Fatalf("unexpected level %q", cfg.Logging.Level)
			}
			if m.Get() != cfg {
				t.Fatalf("published config was not committed")
			}
			cancel()
			<-done
			return
		case <-time.After(600 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bgjob.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := m.Get()

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get() != before {
		t.Fatalf("invalid config was committed")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return fmt.Errorf("nope") })
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get() != before {
		t.Fatalf("validator rejection was committed")
	}
}
