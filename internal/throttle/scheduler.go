package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobgate/internal/payload"
	logx "jobgate/pkg/logx"
)

// JobState is the scheduler's position in its run cycle.
type JobState int

const (
	// StateIdle: nothing queued, nothing running.
	StateIdle JobState = iota
	// StateQueued: a run is waiting for its delay, or is about to be submitted.
	StateQueued
	// StateRunning: a job body is executing.
	StateRunning
	// StateRunningAndPending: a job body is executing and a follow-up run was
	// requested; it is enqueued when the current run finishes.
	StateRunningAndPending
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateRunningAndPending:
		return "running_and_pending"
	default:
		return "unknown"
	}
}

// JobFunc is the job body. It borrows p for the duration of the call; the
// scheduler releases p when the call returns or panics.
type JobFunc func(ctx context.Context, p payload.Payload, status payload.Status) error

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDelayer overrides the DefaultDelayTimer.
func WithDelayer(d Delayer) Option {
	return func(s *Scheduler) {
		if d != nil {
			s.delayer = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithName labels log lines from this scheduler.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler manages a single job slot so that only one job runs at a time and
// runs start no more often than once per minimum interval.
//
// Every job set with UpdateJob runs at most once, and the last job set runs
// eventually unless it is cleared first.
type Scheduler struct {
	exec        Executor
	job         JobFunc
	minInterval time.Duration

	clock   Clock
	delayer Delayer
	log     logx.Logger
	warn    logx.Logger
	name    string

	mu         sync.Mutex
	payload    payload.Payload
	status     payload.Status
	state      JobState
	submitTime time.Time
	startTime  time.Time
	refusals   int
}

const (
	resubmitBase = 50 * time.Millisecond
	resubmitMax  = 5 * time.Second
)

// New returns an idle scheduler. A negative minInterval is treated as 0.
func New(exec Executor, job JobFunc, minInterval time.Duration, opts ...Option) *Scheduler {
	if minInterval < 0 {
		minInterval = 0
	}
	s := &Scheduler{
		exec:        exec,
		job:         job,
		minInterval: minInterval,
		clock:       SystemClock,
		state:       StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.delayer == nil {
		s.delayer = DefaultDelayTimer()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.name != "" {
		s.log = s.log.With(logx.String("job", s.name))
	}
	s.warn = s.log.Limited(rate.Every(5*time.Second), 1)
	return s
}

// Name returns the label given with WithName.
func (s *Scheduler) Name() string { return s.name }

// MinInterval returns the minimum spacing between job starts.
func (s *Scheduler) MinInterval() time.Duration { return s.minInterval }

// ClearJob drops the held job, if any.
//
// A job that was scheduled but has not started yet will not run its body.
// A job that already started is not affected.
func (s *Scheduler) ClearJob() {
	s.mu.Lock()
	old := s.payload
	s.payload = nil
	s.status = 0
	s.mu.Unlock()

	payload.ReleaseSafely(old)
}

// UpdateJob replaces the held job with (p, status) without scheduling it.
//
// The scheduler keeps its own handle (p.Clone()); the caller still owns p and
// must release it. A job that was scheduled but has not started yet will run
// with the new payload instead.
//
// It returns false, and changes nothing, if the pair is not worth processing.
func (s *Scheduler) UpdateJob(p payload.Payload, status payload.Status) bool {
	if !payload.ShouldProcess(p, status) {
		return false
	}
	held := payload.CloneOrNil(p)

	s.mu.Lock()
	old := s.payload
	s.payload = held
	s.status = status
	s.mu.Unlock()

	payload.ReleaseSafely(old)
	return true
}

// ScheduleJob requests a run of the held job.
//
// It may be called any number of times: requests made while a run is queued
// collapse into that run, and requests made while a run is executing collapse
// into a single follow-up run. Runs start no sooner than the minimum interval
// after the previous run started.
//
// It returns false if there is no valid job to schedule.
func (s *Scheduler) ScheduleJob() bool {
	now := s.clock.Now()
	var delay time.Duration
	enqueue := false

	s.mu.Lock()
	if !payload.ShouldProcess(s.payload, s.status) {
		s.mu.Unlock()
		return false
	}
	switch s.state {
	case StateIdle:
		delay = s.delayLocked(now)
		s.submitTime = now
		s.state = StateQueued
		enqueue = true
	case StateQueued:
		// already queued
	case StateRunning:
		s.state = StateRunningAndPending
	case StateRunningAndPending:
		// follow-up already pending
	}
	s.mu.Unlock()

	if enqueue {
		s.enqueue(delay)
	}
	return true
}

// QueuedTime is how long the running job waited between being scheduled and
// starting. Only meaningful when called from the job body.
func (s *Scheduler) QueuedTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime.Sub(s.submitTime)
}

// State returns the current state.
func (s *Scheduler) State() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// delayLocked returns how long to wait before the next start so that starts
// are at least minInterval apart. Callers hold s.mu.
func (s *Scheduler) delayLocked(now time.Time) time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	when := s.startTime.Add(s.minInterval)
	if when.Before(now) {
		return 0
	}
	return when.Sub(now)
}

func (s *Scheduler) enqueue(delay time.Duration) {
	if delay > 0 {
		s.delayer.After(delay, s.submit)
		return
	}
	s.submit()
}

func (s *Scheduler) submit() {
	if err := s.exec.Submit(s.doJob); err != nil {
		s.abandon(err)
	}
}

// abandon handles a queued run the executor refused or dropped. The run stays
// queued and is resubmitted with backoff, so the last accepted job is not
// stranded. Once the executor reports ErrClosed the slot goes back to idle;
// the held job is kept for a later ScheduleJob.
func (s *Scheduler) abandon(err error) {
	s.mu.Lock()
	if s.state != StateQueued {
		s.mu.Unlock()
		return
	}
	if errors.Is(err, ErrClosed) {
		s.state = StateIdle
		s.refusals = 0
		s.mu.Unlock()
		s.log.Debug("job run dropped: executor closed", logx.Err(err))
		return
	}
	s.refusals++
	delay := resubmitDelay(s.refusals)
	s.mu.Unlock()

	s.warn.Warn("job run not started; resubmitting", logx.Err(err), logx.Duration("delay", delay))
	s.delayer.After(delay, s.submit)
}

func resubmitDelay(n int) time.Duration {
	d := resubmitBase
	for i := 1; i < n && d < resubmitMax; i++ {
		d *= 2
	}
	return min(d, resubmitMax)
}

func (s *Scheduler) doJob(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		s.abandon(err)
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	input, status := s.payload, s.status
	s.payload, s.status = nil, 0
	s.state = StateRunning
	s.startTime = now
	s.refusals = 0
	// The slot may have been cleared or replaced by an ineligible update
	// since ScheduleJob checked it.
	process := payload.ShouldProcess(input, status)
	s.mu.Unlock()

	defer func() {
		payload.ReleaseSafely(input)
		s.onJobFinished()
	}()

	if !process {
		s.log.Debug("job skipped: nothing to process")
		return nil
	}
	return s.job(ctx, input, status)
}

func (s *Scheduler) onJobFinished() {
	now := s.clock.Now()
	var delay time.Duration
	enqueue := false

	s.mu.Lock()
	if s.state == StateRunningAndPending {
		delay = s.delayLocked(now)
		s.submitTime = now
		s.state = StateQueued
		enqueue = true
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if enqueue {
		s.enqueue(delay)
	}
}
