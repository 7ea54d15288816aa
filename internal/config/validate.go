package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks everything that can be checked without touching the
// runtime: durations parse, streams are named uniquely and have paths.
// Trigger specs are validated by the app, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if te := cfg.TaskEngine; te != nil {
		for field, raw := range map[string]string{
			"task_engine.default_timeout":    te.DefaultTimeout,
			"task_engine.max_queue_delay":    te.MaxQueueDelay,
			"task_engine.circuit_base_delay": te.CircuitBaseDelay,
			"task_engine.circuit_max_delay":  te.CircuitMaxDelay,
		} {
			if _, err := ParseDurationField(field, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if te.Workers < 0 || te.QueueSize < 0 {
			errs = append(errs, errors.New("task_engine: workers and queue_size must be >= 0"))
		}
	}
	if st := cfg.Storage; st != nil {
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	for field, raw := range map[string]string{
		"diagnostics.read_timeout":  cfg.Diag.ReadTimeout,
		"diagnostics.write_timeout": cfg.Diag.WriteTimeout,
		"diagnostics.idle_timeout":  cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	names := map[string]int{}
	paths := map[string]int{}
	for i, s := range cfg.Streams {
		field := fmt.Sprintf("streams[%d]", i)
		name := StreamName(s)
		if strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", field))
			continue
		}
		if j, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate stream name %q (also streams[%d])", field, name, j))
		}
		names[name] = i
		p := filepath.Clean(s.Path)
		if j, dup := paths[p]; dup {
			errs = append(errs, fmt.Errorf("%s: path %q already used by streams[%d]", field, s.Path, j))
		}
		paths[p] = i
		if _, err := ParseDurationField(field+".min_interval", s.MinInterval); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(field+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StreamName returns the configured name, or the file base name when unset.
func StreamName(s StreamConfig) string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	return filepath.Base(strings.TrimSpace(s.Path))
}
