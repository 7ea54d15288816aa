package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobgate/internal/config"
	"jobgate/internal/eventbus"
	"jobgate/internal/observability/diag"
	rtsup "jobgate/internal/runtime/supervisor"
	"jobgate/internal/source"
	"jobgate/internal/storage"
	"jobgate/internal/task/engine"
	"jobgate/internal/task/scheduler"
	logx "jobgate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	diag   *diag.Service

	keys atomic.Pointer[keyState]

	smu         sync.Mutex
	streams     map[string]*source.Stream
	watcher     *source.Watcher
	watchCancel context.CancelFunc
	watchGen    int
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Engine     engine.Snapshot
	Scheduler  scheduler.Snapshot
	Streams    []StreamInfo
	Keys       int
	Supervisor rtsup.Counters
	Workers    rtsup.Counters
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	app, err := newApp(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	app.cfgPath = cfgPath
	return app, nil
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		streams: map[string]*source.Stream{},
		watcher: source.NewWatcher(log.With(logx.String("comp", "watcher"))),
	}
	a.watcher.SetRetry(a.retryIngest)
	a.diag = diag.New(mapDiagConfig(cfg), diag.Views{
		Snapshot: func() any { return a.Snapshot() },
		Keys:     func() any { return a.RecentKeys() },
		Runs:     a.recentRuns,
	}, log.With(logx.String("comp", "diag")))
	if err := a.applyKeyTracking(cfg.Debug.TrackKeys); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Store returns the run journal, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) recentRuns(ctx context.Context, stream string, limit int) (any, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentRuns(ctx, stream, limit)
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Streams:   a.Streams(),
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Counters()
	}
	// Counters is nil-safe; the engine supervisor is nil until Start.
	snap.Workers = a.engine.Supervisor().Counters()
	if ks := a.keys.Load(); ks != nil && ks.tracker != nil {
		snap.Keys = ks.tracker.Len()
	}
	return snap
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Engine first so the first ingest has somewhere to go.
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if err := a.applyStreams(runCtx, a.cfgm.Get().Streams, nil); err != nil {
		return err
	}
	if a.diag.Enabled() {
		a.diag.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("streams", len(a.Streams())), logx.Bool("engine", a.engine.Enabled()), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case storage.RunRecord:
		fields = append(fields, logx.String("stream", d.Stream), logx.String("key", d.Key), logx.String("status", d.Status))
		if d.Error != "" {
			fields = append(fields, logx.String("error", d.Error))
		}
	case engine.TaskEvent:
		fields = append(fields, logx.String("task", d.Name))
	}
	// Trace level: job events fire on every file write.
	a.log.Trace("event", fields...)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, streams := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if slices.Contains(sections, "debug") {
		if err := a.applyKeyTracking(newCfg.Debug.TrackKeys); err != nil {
			a.log.Warn("invalid debug.track_keys; keeping previous", logx.Err(err))
		}
	}

	prevSchedEnabled := a.sched.Enabled()
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		// Apply starts or stops the engine as needed.
		a.engine.Apply(ctx, engCfg)
	}

	schedCfg := mapSchedulerConfig(newCfg)
	a.sched.Apply(schedCfg)
	switch {
	case prevSchedEnabled && !schedCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSchedEnabled && schedCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if slices.Contains(sections, "diagnostics") {
		a.diag.Reconfigure(ctx, mapDiagConfig(newCfg))
	}

	if len(streams) > 0 {
		if err := a.applyStreams(ctx, newCfg.Streams, streams); err != nil {
			a.log.Warn("stream reload incomplete", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Stop triggers first, then the engine so queued jobs are handed back to
	// their schedulers before the journal closes.
	a.step(ctx, "diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
