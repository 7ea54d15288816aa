package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned (possibly wrapped) by an Executor that will never
// accept work again. Other Submit errors are treated as transient and the
// scheduler resubmits.
var ErrClosed = errors.New("throttle: executor closed")

// Executor runs submitted work asynchronously.
//
// Submit must not run the work while holding any lock the caller might need,
// and must either run it eventually or return an error. An executor that
// drops accepted work must instead call run with an already canceled
// context, so the scheduler can resubmit it.
type Executor interface {
	Submit(run func(ctx context.Context) error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(run func(ctx context.Context) error) error

func (f ExecutorFunc) Submit(run func(ctx context.Context) error) error { return f(run) }

// GoExecutor runs every submission on a new goroutine with ctx.
// Errors returned by the job are passed to onErr (if non-nil). Once ctx is
// done Submit fails with ErrClosed.
func GoExecutor(ctx context.Context, onErr func(error)) Executor {
	if ctx == nil {
		ctx = context.Background()
	}
	return ExecutorFunc(func(run func(ctx context.Context) error) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		go func() {
			if err := run(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}()
		return nil
	})
}

// Clock reads the current time. time.Time carries a monotonic reading, so
// differences between two Now() values are immune to wall clock changes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// Delayer runs fn once, after d has elapsed.
type Delayer interface {
	After(d time.Duration, fn func())
}
