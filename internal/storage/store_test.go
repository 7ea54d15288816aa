package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "jobgate/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := []RunRecord{
		{ID: "1", Stream: "cam", Key: "k1", Size: 10, Status: "partial", At: base, Queued: 5 * time.Millisecond},
		{ID: "2", Stream: "doc", Key: "k2", Size: 20, Status: "last", At: base.Add(time.Second)},
		{ID: "3", Stream: "cam", Key: "k3", Size: 30, Status: "last", At: base.Add(2 * time.Second), Took: time.Millisecond, Error: "boom"},
	}
	for _, r := range runs {
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun(%s): %v", r.ID, err)
		}
	}

	got, err := st.RecentRuns(ctx, "cam", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Fatalf("cam runs = %+v, want ids [3 1]", got)
	}
	if got[0].Error != "boom" || got[0].Took != time.Millisecond || got[1].Queued != 5*time.Millisecond {
		t.Fatalf("fields not round-tripped: %+v", got)
	}
	if !got[0].At.Equal(runs[2].At) {
		t.Fatalf("At = %v, want %v", got[0].At, runs[2].At)
	}

	all, err := st.RecentRuns(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentRuns all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "3" || all[1].ID != "2" {
		t.Fatalf("limited runs = %+v, want ids [3 2]", all)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs", "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendRun(context.Background(), RunRecord{ID: "x"}); err != ErrClosed {
		t.Fatalf("AppendRun after Close: got %v, want ErrClosed", err)
	}
}

func TestFileStoreReplaysAndSkipsTornLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AppendRun(context.Background(), RunRecord{ID: "a", Stream: "cam"}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	_ = st.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"id":"b","str`)
	_ = f.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.RecentRuns(context.Background(), "cam", 10)
	if err != nil || len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("replayed runs = %+v, err %v", got, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobgate.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestPathRequired(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		if _, err := Open(Config{Driver: driver}, logx.Nop()); err == nil {
			t.Fatalf("%s: expected error for missing path", driver)
		}
	}
}
