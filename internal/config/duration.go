package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. field is used in error messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// duration is for values already accepted by Validate.
func duration(raw string) time.Duration {
	d, _ := ParseDurationField("", raw)
	return d
}

// EngineEnabled reports whether the task engine should run. A missing
// section or a missing flag means enabled.
func (c *Config) EngineEnabled() bool {
	if c == nil || c.TaskEngine == nil || c.TaskEngine.Enabled == nil {
		return true
	}
	return *c.TaskEngine.Enabled
}

// The accessors below return validated durations, zero when unset.
func (te TaskEngineConfig) DefaultTimeoutDuration() time.Duration { return duration(te.DefaultTimeout) }
func (te TaskEngineConfig) MaxQueueDelayDuration() time.Duration  { return duration(te.MaxQueueDelay) }
func (te TaskEngineConfig) CircuitBaseDuration() time.Duration    { return duration(te.CircuitBaseDelay) }
func (te TaskEngineConfig) CircuitMaxDuration() time.Duration     { return duration(te.CircuitMaxDelay) }

func (s StreamConfig) MinIntervalDuration() time.Duration { return duration(s.MinInterval) }
func (s StreamConfig) TimeoutDuration() time.Duration     { return duration(s.Timeout) }

func (s StorageConfig) BusyTimeoutDuration() time.Duration { return duration(s.BusyTimeout) }
func (s StorageConfig) RetentionDuration() time.Duration   { return duration(s.Retention) }

func (d DiagConfig) ReadTimeoutDuration() time.Duration  { return duration(d.ReadTimeout) }
func (d DiagConfig) WriteTimeoutDuration() time.Duration { return duration(d.WriteTimeout) }
func (d DiagConfig) IdleTimeoutDuration() time.Duration  { return duration(d.IdleTimeout) }
