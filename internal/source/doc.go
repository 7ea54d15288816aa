// Package source turns progressively written files into throttled jobs.
//
// Each Stream watches one file. Every change hands the current file contents
// to the stream's throttle.Scheduler, so bursts of writes collapse into at most
// one job run per min interval and the newest contents always get processed.
// A sibling "<path>.done" marker flags the contents as final.
package source
