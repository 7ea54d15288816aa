package engine

import (
	"context"
	"time"
)

// Runner adapts the engine to a single-callback executor, the shape the
// throttle package submits work through.
//
// Runs are never retried, circuit-broken or dropped as stale: the caller owns
// pacing and state. An accepted run that the engine later drops (stop drain)
// is invoked once with an already canceled context so the caller can
// resubmit it.
type Runner struct {
	svc     *Service
	name    string
	timeout time.Duration
}

// Runner returns an executor whose tasks are named name.
func (s *Service) Runner(name string) *Runner {
	return &Runner{svc: s, name: name}
}

// WithTimeout returns a copy of r whose runs get a per-task timeout.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	cp := *r
	cp.timeout = d
	return &cp
}

func (r *Runner) Name() string { return r.name }

// Submit enqueues run without blocking. A non-nil error means the engine
// refused the task and run will not be called.
func (r *Runner) Submit(run func(ctx context.Context) error) error {
	return r.svc.Enqueue(Task{
		Name:    r.name,
		Timeout: r.timeout,
		Run: func(ctx context.Context) error {
			return NoRetry(run(ctx))
		},
		OnDiscard: func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = run(ctx)
		},
		Opt: TaskOptions{Overlap: OverlapAllow, CircuitTripFailures: -1, KeepStale: true},
	})
}
