package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplySwitchesLevelAndFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	child := log.With(String("comp", "test"))

	child.Debug("hidden")
	child.Info("one")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	child.Debug("two")

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if strings.Contains(string(a), "hidden") || !strings.Contains(string(a), `"one"`) {
		t.Fatalf("first log=%s", a)
	}
	if strings.Contains(string(b), `"one"`) || !strings.Contains(string(b), `"two"`) {
		t.Fatalf("second log=%s", b)
	}

	var ev map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &ev); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	if ev["comp"] != "test" || !strings.HasPrefix(ev["caller"].(string), "logx_test.go:") {
		t.Fatalf("event=%v", ev)
	}
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "info").With(String("a", "1"))
	x := base.With(String("b", "x"))
	_ = base.With(String("b", "y"))
	x.Info("m")
	if !strings.Contains(buf.String(), `"b":"x"`) {
		t.Fatalf("out=%s", buf.String())
	}
}

func TestZeroLoggerIsSilent(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger not reported as zero")
	}
	l.Error("dropped")
	if l.Enabled(LevelError) {
		t.Fatalf("zero logger enabled")
	}
}

func TestValidLevel(t *testing.T) {
	for in, want := range map[string]bool{"": true, "DEBUG": true, " warning ": true, "verbose": false} {
		if got := ValidLevel(in); got != want {
			t.Fatalf("ValidLevel(%q)=%v", in, got)
		}
	}
}
