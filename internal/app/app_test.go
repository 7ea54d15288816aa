package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobgate/internal/config"
	"jobgate/internal/task/engine"
)

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAppProcessesFinishedStream(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(in, "hero.jpg")
	if err := os.WriteFile(src, []byte("final bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src+".done", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "jobgate.yaml")
	writeConfig(t, cfgPath, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "runs.jsonl")+`
debug:
  track_keys: 8
streams:
  - name: hero
    path: `+src+`
    output_dir: `+out+`
`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "journaled run", 5*time.Second, func() bool {
		runs, err := a.Store().RecentRuns(context.Background(), "hero", 10)
		return err == nil && len(runs) > 0 && runs[0].Status == "last"
	})

	runs, _ := a.Store().RecentRuns(context.Background(), "hero", 1)
	if _, err := os.Stat(filepath.Join(out, runs[0].Key+".bin")); err != nil {
		t.Fatalf("output not written: %v", err)
	}
	keys := a.RecentKeys()
	if len(keys) == 0 || keys[0].Key.String() != runs[0].Key {
		t.Fatalf("tracked keys = %+v, want %s first", keys, runs[0].Key)
	}

	streams := a.Streams()
	if len(streams) != 1 || streams[0].Name != "hero" || streams[0].Stats.Processed == 0 {
		t.Fatalf("streams = %+v", streams)
	}

	snap := a.Snapshot()
	if !snap.Engine.Enabled || snap.Keys == 0 || snap.Workers.Active == 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestApplyStreamsReconciles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "jobgate.json")
	writeConfig(t, cfgPath, `{"logging":{"level":"error"},"streams":[{"name":"a","path":"`+filepath.Join(dir, "a")+`"}]}`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	first := a.stream("a")
	if first == nil {
		t.Fatal("stream a missing")
	}

	next := []config.StreamConfig{
		{Name: "a", Path: filepath.Join(dir, "a")},
		{Name: "b", Path: filepath.Join(dir, "b"), MinInterval: "1s"},
	}
	if err := a.applyStreams(ctx, next, []string{"b"}); err != nil {
		t.Fatalf("applyStreams: %v", err)
	}
	if a.stream("a") != first {
		t.Fatal("unchanged stream should be kept")
	}
	if b := a.stream("b"); b == nil || b.Scheduler().MinInterval() != time.Second {
		t.Fatal("stream b not built from config")
	}

	if err := a.applyStreams(ctx, next[1:], []string{"a"}); err != nil {
		t.Fatalf("applyStreams: %v", err)
	}
	if a.stream("a") != nil {
		t.Fatal("removed stream still present")
	}
	if got := len(a.Streams()); got != 1 {
		t.Fatalf("streams = %d, want 1", got)
	}
}

func TestFailedIngestSchedulesRescan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a")
	// A directory where the stream file should be makes every read fail.
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "jobgate.json")
	writeConfig(t, cfgPath, `{"logging":{"level":"error"},"streams":[{"name":"a","path":"`+path+`"}]}`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	pending := func() bool {
		_, ok := a.sched.Snapshot().Once[ingestPrefix+"a"]
		return ok
	}
	waitFor(t, "rescan after failed startup ingest", 5*time.Second, pending)

	st := a.stream("a")
	var ra engine.RetryAfterError
	if err := ingestJob(st)(ctx); !errors.As(err, &ra) || ra.RetryAfter() < time.Second {
		t.Fatalf("ingest error = %v, want retry-after hint", err)
	}

	if err := a.applyStreams(ctx, nil, nil); err != nil {
		t.Fatalf("applyStreams: %v", err)
	}
	if pending() {
		t.Fatal("retired stream kept its rescan")
	}
	a.retryIngest(st, errors.New("read failed"))
	if pending() {
		t.Fatal("retired stream scheduled a rescan")
	}
}

func TestHotReloadAddsStream(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "jobgate.json")
	one := `{"logging":{"level":"error"},"streams":[{"name":"a","path":"` + filepath.Join(dir, "a") + `"}]}`
	writeConfig(t, cfgPath, one)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	time.Sleep(100 * time.Millisecond)
	two := strings.Replace(one, `}]}`, `},{"name":"b","path":"`+filepath.Join(dir, "b")+`"}]}`, 1)
	writeConfig(t, cfgPath, two)

	waitFor(t, "second stream", 5*time.Second, func() bool { return a.stream("b") != nil })
}

func TestValidateConfig(t *testing.T) {
	off := false
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "engine off with scheduler on",
			cfg: config.Config{
				Scheduler:  config.SchedulerConfig{Enabled: true},
				TaskEngine: &config.TaskEngineConfig{Enabled: &off},
			},
			want: "task_engine.enabled",
		},
		{
			name: "bad timezone",
			cfg:  config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}},
			want: "scheduler.timezone",
		},
		{
			name: "bad refresh",
			cfg:  config.Config{Streams: []config.StreamConfig{{Path: "/x", Refresh: "whenever"}}},
			want: "streams[0].refresh",
		},
		{
			name: "sqlite without path",
			cfg:  config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}},
			want: "storage.path",
		},
		{
			name: "unknown driver",
			cfg:  config.Config{Storage: &config.StorageConfig{Driver: "redis"}},
			want: "unknown storage.driver",
		},
	}
	for _, tc := range cases {
		err := validateConfig(&tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: got %v, want error containing %q", tc.name, err, tc.want)
		}
	}

	ok := config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Streams:   []config.StreamConfig{{Path: "/x", Refresh: "10m"}},
	}
	if err := validateConfig(&ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	ec, err := mapTaskEngineConfig(&config.Config{})
	if err != nil || !ec.Enabled {
		t.Fatalf("omitted section: %+v, %v", ec, err)
	}

	ec, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{
		Workers:             3,
		MaxQueueDelay:       "2s",
		CircuitTripFailures: -1,
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ec.Workers != 3 || ec.MaxQueueDelay != 2*time.Second || ec.CircuitTripFailures != -1 {
		t.Fatalf("mapped = %+v", ec)
	}

	if _, err := mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "nope"}}); err == nil {
		t.Fatal("bad duration accepted")
	}
}
