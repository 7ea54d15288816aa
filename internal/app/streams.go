package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"jobgate/internal/cachekey"
	"jobgate/internal/config"
	"jobgate/internal/source"
	"jobgate/internal/task/engine"
	"jobgate/internal/throttle"
	logx "jobgate/pkg/logx"
)

const (
	refreshPrefix = "refresh:"
	ingestPrefix  = "ingest:"
)

// StreamInfo is the operator view of one stream.
type StreamInfo struct {
	Name  string
	Path  string
	State string
	// LastQueueTime is how long the most recent run waited before starting.
	LastQueueTime time.Duration
	Stats         source.Stats
}

type keyState struct {
	factory cachekey.Factory
	tracker *cachekey.DebugTracker
}

// streamExecutor submits through the engine while it is enabled and falls
// back to plain goroutines otherwise, so streams keep flowing with
// task_engine.enabled=false. It reports throttle.ErrClosed once ctx is done,
// which stops the scheduler resubmitting into a stopped engine.
type streamExecutor struct {
	ctx    context.Context
	eng    *engine.Service
	runner *engine.Runner
	direct throttle.Executor
}

func (e streamExecutor) Submit(run func(ctx context.Context) error) error {
	if err := e.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", throttle.ErrClosed, err)
	}
	if e.eng != nil && e.eng.Enabled() {
		return e.runner.Submit(run)
	}
	return e.direct.Submit(run)
}

// bitmapKey routes through the current key factory, which changes when
// debug.track_keys is reloaded.
func (a *App) bitmapKey(req cachekey.Request, caller any) cachekey.Key {
	ks := a.keys.Load()
	if ks == nil {
		return cachekey.DefaultFactory{}.BitmapKey(req, caller)
	}
	return ks.factory.BitmapKey(req, caller)
}

// applyKeyTracking installs a DebugTracker when size > 0.
func (a *App) applyKeyTracking(size int) error {
	if size <= 0 {
		a.keys.Store(&keyState{factory: cachekey.DefaultFactory{}})
		return nil
	}
	t, err := cachekey.NewDebugTracker(size)
	if err != nil {
		return err
	}
	a.keys.Store(&keyState{factory: cachekey.Tracking(cachekey.DefaultFactory{}, t), tracker: t})
	return nil
}

// RecentKeys returns the tracked cache keys, newest first. It is empty
// unless debug.track_keys is set.
func (a *App) RecentKeys() []cachekey.Entry {
	ks := a.keys.Load()
	if ks == nil || ks.tracker == nil {
		return nil
	}
	return ks.tracker.Recent()
}

func (a *App) buildStream(ctx context.Context, sc config.StreamConfig) (*source.Stream, error) {
	cfg := mapStreamConfig(sc)
	log := a.log.With(logx.String("comp", "source"))
	exec := streamExecutor{
		ctx:    ctx,
		eng:    a.engine,
		runner: a.engine.Runner("throttle:" + cfg.Name).WithTimeout(cfg.Timeout),
		direct: throttle.GoExecutor(ctx, func(err error) {
			log.Debug("direct job failed", logx.String("stream", cfg.Name), logx.Err(err))
		}),
	}
	return source.NewStream(cfg, source.Deps{
		Exec:  exec,
		Keys:  cachekey.FactoryFunc(a.bitmapKey),
		Store: a.store,
		Bus:   a.bus,
		Log:   log,
	})
}

// applyStreams reconciles the running streams with list. Streams named in
// changed (or new ones) are rebuilt; streams missing from list are retired.
// A nil changed set rebuilds everything.
func (a *App) applyStreams(ctx context.Context, list []config.StreamConfig, changed []string) error {
	dirty := make(map[string]bool, len(changed))
	for _, n := range changed {
		dirty[n] = true
	}

	a.smu.Lock()
	defer a.smu.Unlock()

	next := make(map[string]*source.Stream, len(list))
	var errs []error
	for _, sc := range list {
		name := config.StreamName(sc)
		old := a.streams[name]
		if old != nil && changed != nil && !dirty[name] {
			next[name] = old
			continue
		}
		if old != nil {
			a.retireStream(old)
		}
		st, err := a.buildStream(ctx, sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", name, err))
			continue
		}
		next[name] = st
		a.registerRefresh(st)
		a.log.Debug("stream ready", logx.String("stream", name), logx.String("path", st.Path()),
			logx.Duration("min_interval", st.Scheduler().MinInterval()))
	}
	for name, old := range a.streams {
		if _, ok := next[name]; !ok {
			a.retireStream(old)
			a.log.Info("stream removed", logx.String("stream", name))
		}
	}
	a.streams = next

	all := make([]*source.Stream, 0, len(next))
	for _, st := range next {
		all = append(all, st)
	}
	a.watcher.Set(all)
	a.restartWatcherLocked()

	return errors.Join(errs...)
}

// retireStream drops a stream's pending job. A run already in flight
// finishes on its own.
func (a *App) retireStream(st *source.Stream) {
	st.Clear()
	a.sched.Remove(refreshPrefix + st.Name())
	a.sched.Remove(ingestPrefix + st.Name())
}

// ingestJob rescans st. Failed reads retry no sooner than the stream's
// min interval, since an earlier rescan could not start a run anyway.
func ingestJob(st *source.Stream) func(ctx context.Context) error {
	hint := retryDelay(st)
	return func(ctx context.Context) error {
		if _, err := st.Ingest(ctx); err != nil {
			return engine.RetryAfter(err, hint)
		}
		return nil
	}
}

func retryDelay(st *source.Stream) time.Duration {
	return max(st.Scheduler().MinInterval(), time.Second)
}

// retryIngest schedules a one-shot rescan after a failed event-driven
// ingest. A later failure replaces the pending rescan.
func (a *App) retryIngest(st *source.Stream, cause error) {
	if a.stream(st.Name()) != st {
		return
	}
	name := ingestPrefix + st.Name()
	at := time.Now().Add(retryDelay(st))
	if _, err := a.sched.AddOnce(name, at, st.Config().Timeout, ingestJob(st)); err != nil {
		a.log.Warn("stream rescan not scheduled", logx.String("stream", st.Name()), logx.Err(err))
		return
	}
	a.log.Debug("stream rescan scheduled", logx.String("stream", st.Name()), logx.Time("at", at), logx.Err(cause))
}

func (a *App) registerRefresh(st *source.Stream) {
	spec := st.Config().Refresh
	if spec == "" {
		return
	}
	name := refreshPrefix + st.Name()
	_, err := a.sched.AddSchedule(name, spec, st.Config().Timeout, ingestJob(st))
	if err != nil {
		a.log.Warn("stream refresh not scheduled", logx.String("stream", st.Name()), logx.String("refresh", spec), logx.Err(err))
	}
}

// restartWatcherLocked replaces the running watcher generation so new
// directories are watched. Caller holds smu.
func (a *App) restartWatcherLocked() {
	if a.sup == nil {
		return
	}
	if a.watchCancel != nil {
		a.watchCancel()
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.watchCancel = cancel
	a.watchGen++
	a.sup.GoRestart(fmt.Sprintf("source.watch.%d", a.watchGen), func(context.Context) error {
		return a.watcher.Run(ctx)
	})
}

// Streams lists the running streams sorted by name.
func (a *App) Streams() []StreamInfo {
	a.smu.Lock()
	out := make([]StreamInfo, 0, len(a.streams))
	for _, st := range a.streams {
		out = append(out, StreamInfo{
			Name:          st.Name(),
			Path:          st.Path(),
			State:         st.Scheduler().State().String(),
			LastQueueTime: st.Scheduler().QueuedTime(),
			Stats:         st.Stats(),
		})
	}
	a.smu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *App) stream(name string) *source.Stream {
	a.smu.Lock()
	defer a.smu.Unlock()
	return a.streams[name]
}
