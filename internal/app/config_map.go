package app

import (
	"fmt"
	"strings"
	"time"

	"jobgate/internal/config"
	"jobgate/internal/observability/diag"
	"jobgate/internal/source"
	"jobgate/internal/storage"
	"jobgate/internal/task/engine"
	"jobgate/internal/task/scheduler"
	logx "jobgate/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retention: retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig fills omitted fields; engine.New applies the rest of
// the defaults.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{Enabled: true}, nil
	}
	enabled := cfg.EngineEnabled()
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{Enabled: enabled}, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if err := config.Validate(&config.Config{TaskEngine: te}); err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:             enabled,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      te.DefaultTimeoutDuration(),
		MaxQueueDelay:       te.MaxQueueDelayDuration(),
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitBaseDelay:    te.CircuitBaseDuration(),
		CircuitMaxDelay:     te.CircuitMaxDuration(),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	d := cfg.Diag
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   d.ReadTimeoutDuration(),
		WriteTimeout:  d.WriteTimeoutDuration(),
		IdleTimeout:   d.IdleTimeoutDuration(),
	}
}

func mapStreamConfig(sc config.StreamConfig) source.Config {
	return source.Config{
		Name:                config.StreamName(sc),
		Path:                sc.Path,
		MinInterval:         sc.MinIntervalDuration(),
		Timeout:             sc.TimeoutDuration(),
		Refresh:             strings.TrimSpace(sc.Refresh),
		PlaceholderOnCreate: sc.PlaceholderOnCreate,
		NoCache:             sc.NoCache,
		OutputDir:           sc.OutputDir,
		Width:               sc.Width,
		Height:              sc.Height,
		Rotation:            sc.Rotation,
		Variant:             sc.Variant,
	}
}

// validateConfig rejects a hot reload that the running app cannot apply.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for i, sc := range cfg.Streams {
		r := strings.TrimSpace(sc.Refresh)
		if r == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(r); err != nil {
			return fmt.Errorf("streams[%d].refresh: %w", i, err)
		}
	}
	return nil
}
