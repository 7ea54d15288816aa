package throttle

import (
	"container/heap"
	"runtime/debug"
	"sync"
	"time"

	logx "jobgate/pkg/logx"
)

// DelayTimer is a single-goroutine delayed callback service.
//
// Callbacks run one after another on the timer goroutine, in due order (ties
// in submission order). They must be short: the scheduler only uses them to
// hand work to an Executor.
type DelayTimer struct {
	log logx.Logger

	mu     sync.Mutex
	items  delayHeap
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

var (
	defaultTimerOnce sync.Once
	defaultTimer     *DelayTimer
)

// DefaultDelayTimer returns the process-wide DelayTimer, creating it on first
// use. It lives for the rest of the process and is shared by every Scheduler
// that was not given its own Delayer.
func DefaultDelayTimer() *DelayTimer {
	defaultTimerOnce.Do(func() {
		defaultTimer = NewDelayTimer(logx.Nop())
	})
	return defaultTimer
}

// NewDelayTimer starts a new timer goroutine. Call Close to stop it.
func NewDelayTimer(log logx.Logger) *DelayTimer {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &DelayTimer{
		log:  log,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

// After schedules fn to run once d has elapsed. A non-positive d runs fn on
// the timer goroutine as soon as possible. Calls after Close are dropped.
func (t *DelayTimer) After(d time.Duration, fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Warn("delay timer closed; callback dropped", logx.Duration("delay", d))
		return
	}
	t.seq++
	heap.Push(&t.items, &delayItem{at: time.Now().Add(d), seq: t.seq, fn: fn})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of callbacks waiting to fire.
func (t *DelayTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Len()
}

// Close stops the timer goroutine and discards pending callbacks.
// Do not close the DefaultDelayTimer.
func (t *DelayTimer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	dropped := t.items.Len()
	t.items = nil
	t.mu.Unlock()

	close(t.stop)
	<-t.done
	if dropped > 0 {
		t.log.Debug("delay timer closed", logx.Int("dropped", dropped))
	}
}

func (t *DelayTimer) loop() {
	defer close(t.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		now := time.Now()
		next := time.Duration(-1)
		var due []*delayItem

		t.mu.Lock()
		for t.items.Len() > 0 {
			it := t.items[0]
			if it.at.After(now) {
				next = it.at.Sub(now)
				break
			}
			heap.Pop(&t.items)
			due = append(due, it)
		}
		t.mu.Unlock()

		if len(due) > 0 {
			for _, it := range due {
				t.run(it)
			}
			continue
		}

		var fire <-chan time.Time
		if next >= 0 {
			timer.Reset(next)
			fire = timer.C
		}
		select {
		case <-t.stop:
			return
		case <-t.wake:
			timer.Stop()
		case <-fire:
		}
	}
}

func (t *DelayTimer) run(it *delayItem) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("delay callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	it.fn()
}

type delayItem struct {
	at  time.Time
	seq uint64
	fn  func()
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*delayItem)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
