// Package scheduler fires time-based triggers (cron, interval, once) and
// enqueues the triggered work into the task engine. It never executes work
// itself; jobgate uses it to periodically re-ingest streams.
package scheduler
