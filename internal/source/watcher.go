package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	logx "jobgate/pkg/logx"
)

var errWatcherClosed = errors.New("fsnotify watcher closed")

// Watcher routes filesystem events for a set of streams. Writes and creates
// re-ingest the stream; removes and renames clear it. No debouncing happens
// here: each stream's scheduler already coalesces bursts.
type Watcher struct {
	log logx.Logger

	mu      sync.RWMutex
	streams map[string]*Stream // by absolute path
	retry   func(*Stream, error)
}

func NewWatcher(log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{log: log, streams: map[string]*Stream{}}
}

// Set replaces the watched stream set. It takes effect for new events
// immediately; new directories are picked up when Run restarts.
func (w *Watcher) Set(streams []*Stream) {
	m := make(map[string]*Stream, len(streams))
	for _, s := range streams {
		m[s.Path()] = s
	}
	w.mu.Lock()
	w.streams = m
	w.mu.Unlock()
}

// SetRetry installs fn to be called after a failed ingest. Events are not
// repeated, so without a retry a transient read error leaves the stream stale
// until the file changes again.
func (w *Watcher) SetRetry(fn func(*Stream, error)) {
	w.mu.Lock()
	w.retry = fn
	w.mu.Unlock()
}

func (w *Watcher) dirs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for p := range w.streams {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Run watches until ctx is done. It returns an error when the underlying
// watcher breaks so a supervisor can recreate it with backoff. Every stream
// is ingested once after the watch is in place, so nothing written while the
// watcher was down is missed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer fw.Close()

	dirs := w.dirs()
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	w.log.Debug("stream watcher started", logx.Int("dirs", len(dirs)))
	w.ingestAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errWatcherClosed
			}
			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("stream watch overflow; re-ingesting all streams", logx.Err(err))
				w.ingestAll(ctx)
				continue
			}
			w.log.Warn("stream watch error", logx.Err(err))
		}
	}
}

func (w *Watcher) lookup(name string) (*Stream, bool) {
	name = filepath.Clean(name)
	marker := false
	if p, ok := strings.CutSuffix(name, DoneSuffix); ok {
		name, marker = p, true
	}
	w.mu.RLock()
	s := w.streams[name]
	w.mu.RUnlock()
	return s, marker && s != nil
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	s, marker := w.lookup(ev.Name)
	if s == nil {
		return
	}
	switch {
	case marker && ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		// The file is final now; reprocess it with IsLast.
		w.ingest(ctx, s)
	case marker:
		// Marker removal does not change what is pending.
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.Clear()
	case ev.Op&fsnotify.Create != 0:
		s.MarkCreated()
		w.ingest(ctx, s)
	case ev.Op&fsnotify.Write != 0:
		w.ingest(ctx, s)
	}
}

func (w *Watcher) ingest(ctx context.Context, s *Stream) {
	_, err := s.Ingest(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	w.log.Warn("stream ingest failed", logx.String("stream", s.Name()), logx.Err(err))
	w.mu.RLock()
	retry := w.retry
	w.mu.RUnlock()
	if retry != nil {
		retry(s, err)
	}
}

func (w *Watcher) ingestAll(ctx context.Context) {
	w.mu.RLock()
	list := make([]*Stream, 0, len(w.streams))
	for _, s := range w.streams {
		list = append(list, s)
	}
	w.mu.RUnlock()
	for _, s := range list {
		w.ingest(ctx, s)
	}
}
