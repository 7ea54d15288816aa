package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/eventbus"
	logx "jobgate/pkg/logx"
)

func TestWatcherRoutesFileEvents(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "live.jpg")
	s := f.stream(t, Config{Name: "live", Path: path})

	w := NewWatcher(logx.Nop())
	w.Set([]*Stream{s})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Run ingests once on start; the file does not exist yet.
	f.next(t, eventbus.JobCleared)

	require.NoError(t, os.WriteFile(path, []byte("scan-1"), 0o600))
	rec := f.next(t, eventbus.JobProcessed)
	assert.Equal(t, "live", rec.Stream)

	require.NoError(t, os.WriteFile(path+DoneSuffix, nil, 0o600))
	for rec.Status != "last" {
		rec = f.next(t, eventbus.JobProcessed)
	}

	require.NoError(t, os.Remove(path))
	f.next(t, eventbus.JobCleared)
}

func TestWatcherLookup(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "a.jpg")
	s := f.stream(t, Config{Path: path})
	w := NewWatcher(logx.Nop())
	w.Set([]*Stream{s})

	got, marker := w.lookup(path)
	assert.Same(t, s, got)
	assert.False(t, marker)

	got, marker = w.lookup(path + DoneSuffix)
	assert.Same(t, s, got)
	assert.True(t, marker)

	got, _ = w.lookup(filepath.Join(f.dir, "other.jpg"))
	assert.Nil(t, got)
	assert.Equal(t, []string{f.dir}, w.dirs())
}

func TestWatcherHandleIgnoresMarkerRemoval(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "a.jpg")
	s := f.stream(t, Config{Path: path})
	w := NewWatcher(logx.Nop())
	w.Set([]*Stream{s})

	w.handle(context.Background(), fsnotify.Event{Name: path + DoneSuffix, Op: fsnotify.Remove})
	assert.Equal(t, uint64(0), s.Stats().Cleared)

	w.handle(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Rename})
	assert.Equal(t, uint64(1), s.Stats().Cleared)
}

func TestWatcherRetriesFailedIngest(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "a.jpg")
	// A directory in place of the file makes the read fail.
	require.NoError(t, os.Mkdir(path, 0o700))
	s := f.stream(t, Config{Path: path})

	w := NewWatcher(logx.Nop())
	w.Set([]*Stream{s})
	var got []*Stream
	w.SetRetry(func(st *Stream, err error) {
		assert.Error(t, err)
		got = append(got, st)
	})

	w.handle(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.Len(t, got, 1)
	assert.Same(t, s, got[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Len(t, got, 1, "no retry once the watcher is shutting down")
}
