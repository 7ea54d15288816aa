package config

// Config is the jobgate file configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Debug      DebugConfig       `json:"debug,omitempty"`
	Diag       DiagConfig        `json:"diagnostics,omitempty"`
	Streams    []StreamConfig    `json:"streams"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (default true) differs from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5 (-1 disables)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// SchedulerConfig controls refresh triggers.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobgate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`
}

// DebugConfig enables operator diagnostics.
type DebugConfig struct {
	// TrackKeys keeps the most recent cache keys in memory. 0 disables it.
	TrackKeys int `json:"track_keys,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (health, snapshot, pprof).
// A non-loopback addr requires a token or allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StreamConfig declares one progressively written file.
type StreamConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// MinInterval is the minimum spacing between job starts ("0s" = none).
	MinInterval string `json:"min_interval,omitempty"`
	// Timeout bounds a single job run.
	Timeout string `json:"timeout,omitempty"`
	// Refresh is a trigger spec (cron, "10m", "interval:02:00", "daily:03:15") for periodic re-ingest.
	Refresh string `json:"refresh,omitempty"`

	PlaceholderOnCreate bool   `json:"placeholder_on_create,omitempty"`
	NoCache             bool   `json:"no_cache,omitempty"`
	OutputDir           string `json:"output_dir,omitempty"`

	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Rotation int    `json:"rotation,omitempty"`
	Variant  string `json:"variant,omitempty"`
}
