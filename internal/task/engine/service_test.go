package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobgate/internal/eventbus"
	logx "jobgate/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueRunsTaskAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "hello", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-done

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TaskFinished {
				continue
			}
			ev, ok := e.Data.(TaskEvent)
			if !ok || ev.Name != "hello" || ev.Attempts != 1 {
				t.Fatalf("unexpected finished event: %+v", e.Data)
			}
			return
		case <-deadline:
			t.Fatal("no task.finished event")
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil Run: got %v", err)
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("blank name: got %v", err)
	}
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled engine: got %v", err)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "history entry", func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "" {
		t.Fatalf("history error = %q, want empty", h.Error)
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	waitFor(t, "history entry", func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("history error = %q, want unwrapped error", h.Error)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	s := newTestService(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("kaboom") }})

	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "good", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestStaleTaskIsDiscarded(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, MaxQueueDelay: time.Millisecond})

	_ = s.Enqueue(Task{Name: "slow", Run: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}})
	var ran, discarded atomic.Bool
	_ = s.Enqueue(Task{
		Name:      "late",
		Run:       func(context.Context) error { ran.Store(true); return nil },
		OnDiscard: func() { discarded.Store(true) },
	})

	waitFor(t, "discard", discarded.Load)
	if ran.Load() {
		t.Fatal("stale task must not run")
	}
	snap := s.Snapshot()
	if snap.DroppedStale != 1 || snap.Discarded != 1 {
		t.Fatalf("DroppedStale=%d Discarded=%d, want 1/1", snap.DroppedStale, snap.Discarded)
	}
}

func TestStopDiscardsQueuedTasks(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return NoRetry(ctx.Err())
	}})
	<-started

	var discarded atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{
			Name:      "queued",
			Run:       func(context.Context) error { return nil },
			OnDiscard: func() { discarded.Add(1) },
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := discarded.Load(); got != 3 {
		t.Fatalf("discarded = %d, want 3", got)
	}
	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop: got %v, want ErrStopped", err)
	}
}

func TestEnqueueRacingStopNeverLosesTasks(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := New(Config{Enabled: true, Workers: 2, QueueSize: 64}, logx.Nop(), nil)
		s.Start(context.Background())

		var accepted, settled atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					err := s.Enqueue(Task{
						Name:      "racer",
						Run:       func(context.Context) error { settled.Add(1); return nil },
						OnDiscard: func() { settled.Add(1) },
					})
					if err == nil {
						accepted.Add(1)
						continue
					}
					if !errors.Is(err, ErrStopped) && !errors.Is(err, ErrStopping) && !errors.Is(err, ErrQueueFull) {
						t.Errorf("Enqueue: unexpected error %v", err)
					}
				}
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(ctx)
		cancel()
		wg.Wait()

		if a, got := accepted.Load(), settled.Load(); a != got {
			t.Fatalf("round %d: accepted %d tasks but %d ran or were discarded", round, a, got)
		}
	}
}

func TestSubmitWaitsForQueueSpace(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.Submit(context.Background(), Task{Name: "waiter", Run: func(context.Context) error { ran.Store(true); return nil }})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "waiter run", ran.Load)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := newTestService(t, Config{Workers: 1})
	release := make(chan struct{})
	task := Task{
		Name: "refresh",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue: got %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, "slot release", func() bool { return len(s.Snapshot().History) == 1 })
	if err := s.Enqueue(Task{Name: "refresh", Opt: task.Opt, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})
	fail := Task{Name: "rescan", Run: func(context.Context) error { return NoRetry(errors.New("missing file")) }}

	for i := 1; i <= 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		n := i
		waitFor(t, "failure recorded", func() bool { return len(s.Snapshot().History) == n })
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
	if snap := s.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen = %d, want 1", snap.CircuitOpen)
	}
}

func TestBackoffDelayIsBounded(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	for retry := 1; retry < 10; retry++ {
		if d := backoffDelay(opt, retry, nil); d > time.Second {
			t.Fatalf("retry %d: delay %s exceeds max", retry, d)
		}
	}
	if d := backoffDelay(opt, 3, nil); d != 400*time.Millisecond {
		t.Fatalf("retry 3 without jitter = %s, want 400ms", d)
	}
	hinted := RetryAfter(errors.New("429"), 10*time.Second)
	if d := backoffDelayWithHint(opt, 1, hinted, nil); d != time.Second {
		t.Fatalf("hint should be clamped to RetryMaxDelay, got %s", d)
	}
}
