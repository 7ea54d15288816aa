package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobgate/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) structured attrs safe for logging, and (3) the names of streams that
// were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", nTE.Enabled == nil || *nTE.Enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Storage is applied at startup only; still report it so operators know a
	// restart is needed.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Int("debug.track_keys", newCfg.Debug.TrackKeys))
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diag.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diagnostics.token_set", newCfg.Diag.Token != ""),
		)
	}

	streams := diffStreams(oldCfg.Streams, newCfg.Streams)
	if len(streams) > 0 {
		changed = append(changed, "streams")
		attrs = append(attrs,
			logx.Int("streams.changed_count", len(streams)),
			logx.Int("streams.total", len(newCfg.Streams)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, streams
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffStreams(oldList, newList []StreamConfig) []string {
	oldM := make(map[string]StreamConfig, len(oldList))
	for _, s := range oldList {
		oldM[StreamName(s)] = s
	}
	newM := make(map[string]StreamConfig, len(newList))
	for _, s := range newList {
		newM[StreamName(s)] = s
	}

	var out []string
	for name, n := range newM {
		if o, ok := oldM[name]; !ok || o != n {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
