package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobgate/internal/payload"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type delayCall struct {
	d  time.Duration
	fn func()
}

// manualDelayer records delayed callbacks; tests fire them explicitly.
type manualDelayer struct {
	mu    sync.Mutex
	calls []delayCall
}

func (m *manualDelayer) After(d time.Duration, fn func()) {
	m.mu.Lock()
	m.calls = append(m.calls, delayCall{d: d, fn: fn})
	m.mu.Unlock()
}

func (m *manualDelayer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *manualDelayer) Fire(t *testing.T) time.Duration {
	t.Helper()
	m.mu.Lock()
	if len(m.calls) == 0 {
		m.mu.Unlock()
		t.Fatal("no delayed callback to fire")
	}
	c := m.calls[0]
	m.calls = m.calls[1:]
	m.mu.Unlock()
	c.fn()
	return c.d
}

// manualExecutor records submissions; tests run them explicitly.
type manualExecutor struct {
	mu     sync.Mutex
	runs   []func(ctx context.Context) error
	refuse error
}

func (e *manualExecutor) Submit(run func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse != nil {
		return e.refuse
	}
	e.runs = append(e.runs, run)
	return nil
}

func (e *manualExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *manualExecutor) next(t *testing.T) func(ctx context.Context) error {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.runs) == 0 {
		t.Fatal("no submitted run")
	}
	run := e.runs[0]
	e.runs = e.runs[1:]
	return run
}

func (e *manualExecutor) RunNext(t *testing.T) error {
	t.Helper()
	return e.next(t)(context.Background())
}

// freeCounter builds buffers whose backing bytes report when freed.
type freeCounter struct{ n atomic.Int32 }

func (f *freeCounter) buffer(data string) *payload.Buffer {
	return payload.NewBuffer([]byte(data), payload.WithFree(func() { f.n.Add(1) }))
}

func (f *freeCounter) Count() int { return int(f.n.Load()) }

type harness struct {
	clock   *manualClock
	delayer *manualDelayer
	exec    *manualExecutor
	sched   *Scheduler

	mu   sync.Mutex
	seen []string
	body func(ctx context.Context, p payload.Payload, status payload.Status) error
}

func newHarness(minInterval time.Duration) *harness {
	h := &harness{
		clock:   newManualClock(),
		delayer: &manualDelayer{},
		exec:    &manualExecutor{},
	}
	h.sched = New(h.exec, h.run, minInterval, WithClock(h.clock), WithDelayer(h.delayer), WithName("test"))
	return h
}

func (h *harness) run(ctx context.Context, p payload.Payload, status payload.Status) error {
	h.mu.Lock()
	if b, ok := p.(*payload.Buffer); ok {
		h.seen = append(h.seen, string(b.Bytes()))
	} else {
		h.seen = append(h.seen, "<"+status.String()+">")
	}
	body := h.body
	h.mu.Unlock()
	if body != nil {
		return body(ctx, p, status)
	}
	return nil
}

func (h *harness) Seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

// update hands a fresh buffer to the scheduler and releases the caller's handle.
func (h *harness) update(f *freeCounter, data string, status payload.Status) bool {
	b := f.buffer(data)
	defer b.Release()
	return h.sched.UpdateJob(b, status)
}
