package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobgate/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id        TEXT PRIMARY KEY,
	stream    TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	size      INTEGER NOT NULL,
	status    TEXT NOT NULL,
	at        INTEGER NOT NULL,
	queued_ns INTEGER NOT NULL,
	took_ns   INTEGER NOT NULL,
	err       TEXT
);
CREATE INDEX IF NOT EXISTS runs_stream_at ON runs(stream, at);
CREATE INDEX IF NOT EXISTS runs_at ON runs(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, stream, cache_key, size, status, at, queued_ns, took_ns, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Stream, r.Key, r.Size, r.Status, r.At.UnixNano(), int64(r.Queued), int64(r.Took), nullStr(r.Error),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, stream string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream, cache_key, size, status, at, queued_ns, took_ns, COALESCE(err, '')
		 FROM runs WHERE (? = '' OR stream = ?) ORDER BY at DESC, rowid DESC LIMIT ?`,
		stream, stream, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r              RunRecord
			at, qns, tooks int64
		)
		if err := rows.Scan(&r.ID, &r.Stream, &r.Key, &r.Size, &r.Status, &at, &qns, &tooks, &r.Error); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		r.Queued = time.Duration(qns)
		r.Took = time.Duration(tooks)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	cut := time.Now().Add(-s.retention).UnixNano()
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE at < ?`, cut)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
