// Package throttle runs one job at a time, no more often than a minimum
// interval, always running the most recently submitted job.
//
// A Scheduler holds a single job slot. Callers replace the slot with
// UpdateJob and request execution with ScheduleJob; requests that arrive while
// a job is queued or running collapse into at most one follow-up run.
//
// Execution goes through three decoupled stages:
//   - enqueue: run submit inline, or after a delay on the shared DelayTimer
//   - submit: hand the job to the Executor (usually the task engine)
//   - execute: detach the slot, run the job body, release the payload
//
// The DelayTimer goroutine never runs job bodies; it only submits them.
package throttle
