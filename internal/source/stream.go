package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobgate/internal/cachekey"
	"jobgate/internal/eventbus"
	"jobgate/internal/payload"
	"jobgate/internal/storage"
	"jobgate/internal/throttle"
	logx "jobgate/pkg/logx"
)

// DoneSuffix marks a stream file as complete when "<path><DoneSuffix>" exists.
const DoneSuffix = ".done"

var ErrNoPath = errors.New("stream path required")

// Config describes one stream.
type Config struct {
	Name        string
	Path        string
	MinInterval time.Duration
	Timeout     time.Duration
	// Refresh is a trigger spec for periodic re-ingest; empty disables it.
	Refresh string
	// PlaceholderOnCreate treats a newly created empty file as a placeholder
	// result instead of ignoring it.
	PlaceholderOnCreate bool
	// NoCache marks every result DoNotCacheEncoded so it is never written to OutputDir.
	NoCache bool
	// OutputDir receives final results as <key>.bin. Empty disables output.
	OutputDir string

	Width    int
	Height   int
	Rotation int
	Variant  string
}

// Deps are the collaborators a stream needs. Store and Bus may be nil.
type Deps struct {
	Exec    throttle.Executor
	Keys    cachekey.Factory
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger
	Clock   throttle.Clock
	Delayer throttle.Delayer
}

// Stats are best-effort counters for diagnostics.
type Stats struct {
	Ingested  uint64
	Rejected  uint64
	Processed uint64
	Failed    uint64
	Cleared   uint64
}

type Stream struct {
	cfg   Config
	sched *throttle.Scheduler
	keys  cachekey.Factory
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	created atomic.Bool

	ingested  atomic.Uint64
	rejected  atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	cleared   atomic.Uint64
}

func NewStream(cfg Config, d Deps) (*Stream, error) {
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if d.Exec == nil {
		return nil, errors.New("stream executor required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("stream path: %w", err)
	}
	cfg.Path = abs
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = filepath.Base(abs)
	}
	if d.Keys == nil {
		d.Keys = cachekey.DefaultFactory{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}

	s := &Stream{
		cfg:   cfg,
		keys:  d.Keys,
		store: d.Store,
		bus:   d.Bus,
		log:   d.Log.With(logx.String("stream", cfg.Name)),
	}
	opts := []throttle.Option{throttle.WithName(cfg.Name), throttle.WithLogger(d.Log)}
	if d.Clock != nil {
		opts = append(opts, throttle.WithClock(d.Clock))
	}
	if d.Delayer != nil {
		opts = append(opts, throttle.WithDelayer(d.Delayer))
	}
	s.sched = throttle.New(d.Exec, s.process, cfg.MinInterval, opts...)
	return s, nil
}

func (s *Stream) Name() string                   { return s.cfg.Name }
func (s *Stream) Path() string                   { return s.cfg.Path }
func (s *Stream) Config() Config                 { return s.cfg }
func (s *Stream) Scheduler() *throttle.Scheduler { return s.sched }

func (s *Stream) Stats() Stats {
	return Stats{
		Ingested:  s.ingested.Load(),
		Rejected:  s.rejected.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Cleared:   s.cleared.Load(),
	}
}

// MarkCreated records that the file was just created, so an empty read
// counts as a placeholder when PlaceholderOnCreate is set.
func (s *Stream) MarkCreated() { s.created.Store(true) }

// Ingest reads the file and hands its contents to the scheduler. It reports
// whether a run was scheduled. A missing file clears the pending job.
func (s *Stream) Ingest(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.Clear()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.cfg.Path, err)
	}

	status := s.statusFor(len(data))
	buf := payload.NewBuffer(data)
	defer buf.Release()

	if !s.sched.UpdateJob(buf, status) {
		s.rejected.Add(1)
		s.log.Trace("update ignored", logx.String("status", status.String()), logx.Int("size", len(data)))
		s.publish(eventbus.JobSkipped, storage.RunRecord{Stream: s.cfg.Name, Size: len(data), Status: status.String(), At: time.Now()})
		return false, nil
	}
	s.ingested.Add(1)
	return s.sched.ScheduleJob(), nil
}

func (s *Stream) statusFor(size int) payload.Status {
	var st payload.Status
	switch {
	case s.done():
		st = payload.IsLast
	case size == 0 && s.cfg.PlaceholderOnCreate && s.created.Swap(false):
		st = payload.IsPlaceholder
	default:
		st = payload.IsPartialResult
	}
	if s.cfg.NoCache {
		st = st.With(payload.DoNotCacheEncoded)
	}
	return st
}

func (s *Stream) done() bool {
	_, err := os.Stat(s.cfg.Path + DoneSuffix)
	return err == nil
}

// Clear drops the pending job, e.g. because the file went away.
func (s *Stream) Clear() {
	s.sched.ClearJob()
	s.cleared.Add(1)
	s.created.Store(false)
	s.publish(eventbus.JobCleared, storage.RunRecord{Stream: s.cfg.Name, At: time.Now()})
}

func (s *Stream) request() cachekey.Request {
	return cachekey.Request{
		URI:      "file://" + filepath.ToSlash(s.cfg.Path),
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
		Rotation: s.cfg.Rotation,
		Variant:  s.cfg.Variant,
	}
}

// process is the job body. It runs at most once at a time per stream.
func (s *Stream) process(ctx context.Context, p payload.Payload, status payload.Status) (err error) {
	start := time.Now()
	var data []byte
	if b, ok := p.(*payload.Buffer); ok {
		data = b.Bytes()
	}
	key := s.keys.BitmapKey(s.request(), s.cfg.Name)
	rec := storage.RunRecord{
		ID:     uuid.NewString(),
		Stream: s.cfg.Name,
		Key:    key.String(),
		Size:   len(data),
		Status: status.String(),
		At:     start,
		Queued: s.sched.QueuedTime(),
	}

	defer func() {
		rec.Took = time.Since(start)
		typ := eventbus.JobProcessed
		if err != nil {
			rec.Error = err.Error()
			typ = eventbus.JobFailed
			s.failed.Add(1)
		} else {
			s.processed.Add(1)
		}
		s.journal(rec)
		s.publish(typ, rec)
		s.log.Debug("job processed",
			logx.String("key", rec.Key),
			logx.String("status", rec.Status),
			logx.Int("size", rec.Size),
			logx.Duration("queue_time", rec.Queued),
			logx.Duration("took", rec.Took),
			logx.Err(err),
		)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if status.IsLast() && !status.Has(payload.DoNotCacheEncoded) && s.cfg.OutputDir != "" && len(data) > 0 {
		return writeAtomic(filepath.Join(s.cfg.OutputDir, rec.Key+".bin"), data)
	}
	return nil
}

func (s *Stream) journal(rec storage.RunRecord) {
	if s.store == nil {
		return
	}
	// The job ctx may already be canceled; the journal write still matters.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.log.Warn("run journal append failed", logx.Err(err))
	}
}

func (s *Stream) publish(typ string, rec storage.RunRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: rec})
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jobgate-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
