package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"bgjob/internal/config"
	"bgjob/internal/job"
)

// runAll steps j until it finishes, returning the progress seen after each step.
func runAll(t *testing.T, j *job.Job, limit int) []int {
	t.Helper()
	var seen []int
	for i := 0; i < limit && !j.Finished(); i++ {
		j.Run()
		seen = append(seen, j.Progress())
	}
	if !j.Finished() {
		t.Fatalf("job not finished after %d steps", limit)
	}
	return seen
}

func TestCountdown(t *testing.T) {
	j := NewCountdown(4, 0, nil)
	seen := runAll(t, j, 10)
	want := []int{25, 50, 75, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress=%v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress=%v want %v", seen, want)
		}
	}
	if j.Err() != nil || j.Result() != 4 || j.Kind() != "countdown" {
		t.Fatalf("err=%v result=%v kind=%s", j.Err(), j.Result(), j.Kind())
	}
}

func TestCountdownCancelInterruptsDelay(t *testing.T) {
	j := NewCountdown(3, time.Hour, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		j.RequestCancel()
	}()
	start := time.Now()
	j.Run()
	if !j.Finished() || !errors.Is(j.Err(), context.Canceled) {
		t.Fatalf("finished=%v err=%v", j.Finished(), j.Err())
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel did not interrupt the delay")
	}
}

func writeFile(t *testing.T, body []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDigest(t *testing.T) {
	body := []byte("0123456789")
	path := writeFile(t, body)
	j := NewDigest(path, 3, nil)
	seen := runAll(t, j, 10)

	// 3+3+3+1 bytes, then the EOF read
	want := []int{30, 60, 90, 100, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress=%v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress=%v want %v", seen, want)
		}
	}
	sum := sha256.Sum256(body)
	res, ok := j.Result().(DigestResult)
	if !ok || res.SHA256 != hex.EncodeToString(sum[:]) || res.Size != int64(len(body)) {
		t.Fatalf("result=%+v err=%v", j.Result(), j.Err())
	}
}

func TestDigestEmptyFileIsIndeterminateUntilDone(t *testing.T) {
	path := writeFile(t, nil)
	j := NewDigest(path, 0, nil)
	j.Run()
	if !j.Finished() || j.Err() != nil {
		t.Fatalf("finished=%v err=%v", j.Finished(), j.Err())
	}
	res := j.Result().(DigestResult)
	if res.SHA256 != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("digest=%s", res.SHA256)
	}
}

func TestDigestFailures(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope")},
		{"directory", t.TempDir()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := NewDigest(tc.path, 0, nil)
			j.Run()
			if !j.Finished() || j.Err() == nil || j.Result() != nil {
				t.Fatalf("finished=%v err=%v", j.Finished(), j.Err())
			}
		})
	}
}

func TestDigestCancelClosesFile(t *testing.T) {
	path := writeFile(t, make([]byte, 64))
	st := &digestState{path: path, chunk: 8}
	j := job.New(st.step, nil)
	j.Run()
	if st.f == nil {
		t.Fatalf("file not opened")
	}
	f := st.f
	j.RequestCancel()
	j.Run()
	if !errors.Is(j.Err(), context.Canceled) || st.f != nil {
		t.Fatalf("err=%v open=%v", j.Err(), st.f != nil)
	}
	if _, err := f.Read(make([]byte, 1)); err == nil {
		t.Fatalf("file still readable after cancel")
	}
}

type fakeSpeed struct {
	failAt string
	closed atomic.Int32
}

func (f *fakeSpeed) err(stage string) error {
	if f.failAt == stage {
		return errors.New(stage + " failed")
	}
	return nil
}

func (f *fakeSpeed) ISP(ctx context.Context) (string, error) { return "ACME", f.err("isp") }
func (f *fakeSpeed) Servers(ctx context.Context, n int) ([]Target, error) {
	out := []Target{{Name: "far", Latency: 80 * time.Millisecond}, {Name: "near", Latency: 10 * time.Millisecond}}
	return out[:min(n, len(out))], f.err("servers")
}
func (f *fakeSpeed) Ping(ctx context.Context, ts []Target) ([]Target, error) {
	return []Target{ts[len(ts)-1], ts[0]}, f.err("ping")
}
func (f *fakeSpeed) Download(ctx context.Context, t Target) (float64, error) {
	return 100, f.err("download")
}
func (f *fakeSpeed) Upload(ctx context.Context, t Target) (float64, error) {
	return 20, f.err("upload")
}
func (f *fakeSpeed) Close() { f.closed.Add(1) }

func TestSpeedtestStages(t *testing.T) {
	fc := &fakeSpeed{}
	j := NewSpeedtest(fc, 2, nil, job.WithTitle("net"))
	seen := runAll(t, j, 10)
	want := []int{20, 40, 60, 80, 100}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress=%v want %v", seen, want)
		}
	}
	res, ok := j.Result().(SpeedResult)
	if !ok || res.ISP != "ACME" || res.Server != "near" || res.DownloadMbps != 100 || res.UploadMbps != 20 || res.PingMs != 10 || res.Candidates != 2 {
		t.Fatalf("result=%+v err=%v", j.Result(), j.Err())
	}
	if j.Title() != "net" {
		t.Fatalf("title=%q", j.Title())
	}
	if n := fc.closed.Load(); n != 1 {
		t.Fatalf("closed %d times", n)
	}
}

func TestSpeedtestStageFailure(t *testing.T) {
	fc := &fakeSpeed{failAt: "ping"}
	j := NewSpeedtest(fc, 0, nil)
	runAll(t, j, 10)
	if j.Err() == nil || j.Err().Error() != "ping failed" || j.Steps() != 3 {
		t.Fatalf("err=%v steps=%d", j.Err(), j.Steps())
	}
	if n := fc.closed.Load(); n != 1 {
		t.Fatalf("closed %d times", n)
	}
}

func TestSpeedtestCancel(t *testing.T) {
	fc := &fakeSpeed{}
	j := NewSpeedtest(fc, 0, nil)
	j.Run()
	j.RequestCancel()
	j.Run()
	if !errors.Is(j.Err(), context.Canceled) {
		t.Fatalf("err=%v", j.Err())
	}
	// the cancel hook closes the client on its own goroutine
	deadline := time.Now().Add(2 * time.Second)
	for fc.closed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuild(t *testing.T) {
	path := writeFile(t, []byte("x"))
	fc := &fakeSpeed{}
	deps := Deps{NewSpeedClient: func() SpeedClient { return fc }}

	cases := []struct {
		cfg   config.JobConfig
		kind  string
		title string
		err   bool
	}{
		{cfg: config.JobConfig{Name: "c", Kind: "countdown", Steps: 2}, kind: "countdown", title: "c"},
		{cfg: config.JobConfig{Name: "d", Kind: "Digest", Title: "hash it", Path: path}, kind: "digest", title: "hash it"},
		{cfg: config.JobConfig{Name: "s", Kind: "speedtest"}, kind: "speedtest", title: "s"},
		{cfg: config.JobConfig{Name: "bad", Kind: "countdown"}, err: true},
		{cfg: config.JobConfig{Name: "bad", Kind: "weird"}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.cfg.Name+"/"+tc.cfg.Kind, func(t *testing.T) {
			j, err := Factory(tc.cfg, deps)(tc.cfg.Name)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if j.Kind() != tc.kind || j.Title() != tc.title || j.Input() != tc.cfg.Name {
				t.Fatalf("kind=%s title=%q input=%v", j.Kind(), j.Title(), j.Input())
			}
		})
	}
}

func TestBuildParentCancels(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	j, err := Build(config.JobConfig{Name: "c", Kind: "countdown", Steps: 5}, Deps{Parent: parent})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cancel()
	if !j.CancelRequested() {
		t.Fatalf("parent cancel not visible")
	}
	j.Run()
	if !errors.Is(j.Err(), context.Canceled) {
		t.Fatalf("err=%v", j.Err())
	}
}
