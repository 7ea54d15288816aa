package throttle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/payload"
	logx "jobgate/pkg/logx"
)

func TestDelayTimerFiresInDueOrder(t *testing.T) {
	dt := NewDelayTimer(logx.Nop())
	defer dt.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
	}

	dt.After(60*time.Millisecond, record("late"))
	dt.After(20*time.Millisecond, record("early-1"))
	dt.After(20*time.Millisecond, record("early-2"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed callbacks did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early-1", "early-2", "late"}, order)
}

func TestDelayTimerSurvivesCallbackPanic(t *testing.T) {
	dt := NewDelayTimer(logx.Nop())
	defer dt.Close()

	fired := make(chan struct{})
	dt.After(0, func() { panic("bad callback") })
	dt.After(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer goroutine died after a panicking callback")
	}
}

func TestDelayTimerCloseDropsPending(t *testing.T) {
	dt := NewDelayTimer(logx.Nop())
	var fired atomic.Bool
	dt.After(time.Hour, func() { fired.Store(true) })
	require.Equal(t, 1, dt.Pending())

	dt.Close()
	dt.Close()
	dt.After(0, func() { fired.Store(true) })
	assert.Equal(t, 0, dt.Pending())
	assert.False(t, fired.Load())
}

func TestDefaultDelayTimerIsShared(t *testing.T) {
	assert.Same(t, DefaultDelayTimer(), DefaultDelayTimer())
}

func TestRealTimerEnforcesMinInterval(t *testing.T) {
	const minInterval = 50 * time.Millisecond
	dt := NewDelayTimer(logx.Nop())
	defer dt.Close()

	starts := make(chan time.Time, 4)
	var seen []string
	var mu sync.Mutex
	job := func(_ context.Context, p payload.Payload, _ payload.Status) error {
		starts <- time.Now()
		mu.Lock()
		seen = append(seen, string(p.(*payload.Buffer).Bytes()))
		mu.Unlock()
		return nil
	}
	s := New(GoExecutor(context.Background(), nil), job, minInterval, WithDelayer(dt))

	a := payload.NewBuffer([]byte("a"))
	require.True(t, s.UpdateJob(a, payload.IsLast))
	a.Release()
	require.True(t, s.ScheduleJob())
	first := <-starts

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)

	b := payload.NewBuffer([]byte("b"))
	require.True(t, s.UpdateJob(b, payload.IsLast))
	b.Release()
	require.True(t, s.ScheduleJob())

	var second time.Time
	select {
	case second = <-starts:
	case <-time.After(2 * time.Second):
		t.Fatal("second job never started")
	}
	assert.GreaterOrEqual(t, second.Sub(first), minInterval-5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestConcurrentCallersNeverOverlapAndLastWins(t *testing.T) {
	dt := NewDelayTimer(logx.Nop())
	defer dt.Close()

	var created, freed atomic.Int32
	newBuf := func(s string) *payload.Buffer {
		created.Add(1)
		return payload.NewBuffer([]byte(s), payload.WithFree(func() { freed.Add(1) }))
	}

	var inFlight, maxInFlight atomic.Int32
	var last atomic.Value
	job := func(_ context.Context, p payload.Payload, _ payload.Status) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(200 * time.Microsecond)
		if b, ok := p.(*payload.Buffer); ok {
			last.Store(string(b.Bytes()))
		}
		inFlight.Add(-1)
		return nil
	}
	s := New(GoExecutor(context.Background(), nil), job, time.Millisecond, WithDelayer(dt))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b := newBuf(fmt.Sprintf("g%d-%d", g, i))
				s.UpdateJob(b, payload.IsPartialResult)
				b.Release()
				s.ScheduleJob()
				if i%10 == 0 {
					s.ClearJob()
				}
			}
		}(g)
	}
	wg.Wait()

	final := newBuf("final")
	require.True(t, s.UpdateJob(final, payload.IsLast))
	final.Release()
	require.True(t, s.ScheduleJob())

	require.Eventually(t, func() bool {
		v, _ := last.Load().(string)
		return v == "final" && s.State() == StateIdle
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, int32(1), maxInFlight.Load(), "job bodies must never overlap")
	assert.Equal(t, created.Load(), freed.Load(), "every payload released exactly once")
}
