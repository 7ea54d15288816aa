package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobgate/pkg/logx"
)

const defaultMemRuns = 1000

// fileStore appends runs to <path> as JSON Lines and serves RecentRuns from
// an in-memory tail that is rebuilt from the file on open.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	recent    []RunRecord // oldest first
	max       int
	retention time.Duration
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, max: defaultMemRuns, retention: cfg.Retention}
	if err := s.replay(path); err != nil {
		s.log.Warn("run journal replay failed", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	s.enc = json.NewEncoder(f)
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bad := 0
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			bad++
			continue
		}
		s.remember(r)
	}
	if bad > 0 {
		s.log.Debug("skipped malformed journal lines", logx.Int("lines", bad))
	}
	return sc.Err()
}

// remember appends r to the in-memory tail. Call with s.mu held (or before
// the store is shared).
func (s *fileStore) remember(r RunRecord) {
	s.recent = append(s.recent, r)
	if len(s.recent) > s.max {
		s.recent = s.recent[len(s.recent)-s.max:]
	}
	if s.retention > 0 {
		cut := time.Now().Add(-s.retention)
		n := 0
		for n < len(s.recent) && s.recent[n].At.Before(cut) {
			n++
		}
		s.recent = s.recent[n:]
	}
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(r); err != nil {
		return err
	}
	s.remember(r)
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, stream string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for i := len(s.recent) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if stream == "" || s.recent[i].Stream == stream {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.enc = nil
	return err
}
