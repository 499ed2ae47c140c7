package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reshape/internal/metrics"
)

func waitResult[T any](t *testing.T, h *Handle[T]) Result[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	require.NoError(t, err, "handle %d did not settle", h.Seq())
	return r
}

func drain(t *testing.T, q interface{ Drain(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestQueue_SubmitReturnsBeforeRunning(t *testing.T) {
	q := New[int]()
	gate := make(chan struct{})

	h := q.Submit(func(ctx context.Context) (int, error) {
		<-gate
		return 7, nil
	})

	assert.Equal(t, StatusPending, h.Result().Status)
	close(gate)

	r := waitResult(t, h)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 7, r.Value)
}

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()

	var mu sync.Mutex
	var order []int

	handles := make([]*Handle[int], 0, 20)
	for i := 0; i < 20; i++ {
		handles = append(handles, q.Submit(func(ctx context.Context) (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	drain(t, q)

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)

	for i, h := range handles {
		assert.Equal(t, int64(i+1), h.Seq())
		assert.Equal(t, i, h.Result().Value)
	}
}

func TestQueue_AtMostOneActive(t *testing.T) {
	q := New[struct{}]()

	var active, peak atomic.Int32
	for i := 0; i < 50; i++ {
		q.Submit(func(ctx context.Context) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			active.Add(-1)
			return struct{}{}, nil
		})
	}
	drain(t, q)

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(0), active.Load())
}

func TestQueue_ConcurrentSubmitters(t *testing.T) {
	q := New[int]()

	var running atomic.Int32
	var overlap atomic.Bool
	var count atomic.Int32

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				q.Submit(func(ctx context.Context) (int, error) {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					count.Add(1)
					running.Add(-1)
					return 0, nil
				})
			}
		}()
	}
	wg.Wait()
	drain(t, q)

	assert.False(t, overlap.Load(), "two units ran at once")
	assert.Equal(t, int32(200), count.Load())
}

func TestQueue_ConcurrentSubmittersRunInSeqOrder(t *testing.T) {
	q := New[int]()

	var mu sync.Mutex
	var executed []int64

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Submit(func(ctx context.Context) (int, error) {
					mu.Lock()
					executed = append(executed, SeqFrom(ctx))
					mu.Unlock()
					return 0, nil
				})
			}
		}()
	}
	wg.Wait()
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, executed, 800)
	for i := 1; i < len(executed); i++ {
		if executed[i] <= executed[i-1] {
			t.Fatalf("seq %d executed after seq %d", executed[i], executed[i-1])
		}
	}
}

func TestQueue_UnitSubmittingUnitRunsAfterCurrent(t *testing.T) {
	q := New[string]()

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	q.Submit(func(ctx context.Context) (string, error) {
		record("outer-start")
		q.Submit(func(ctx context.Context) (string, error) {
			record("inner")
			return "", nil
		})
		record("outer-end")
		return "", nil
	})
	q.Submit(func(ctx context.Context) (string, error) {
		record("second")
		return "", nil
	})
	drain(t, q)

	assert.Equal(t, []string{"outer-start", "outer-end", "second", "inner"}, order)
}

func TestQueue_ErrorIsolation(t *testing.T) {
	q := New[int]()
	boom := errors.New("boom")

	h1 := q.Submit(func(ctx context.Context) (int, error) { return 0, boom })
	h2 := q.Submit(func(ctx context.Context) (int, error) { panic("kaboom") })
	h3 := q.Submit(func(ctx context.Context) (int, error) { return 3, nil })

	r1 := waitResult(t, h1)
	assert.Equal(t, StatusFailed, r1.Status)
	assert.ErrorIs(t, r1.Err, boom)

	r2 := waitResult(t, h2)
	assert.Equal(t, StatusFailed, r2.Status)
	assert.True(t, IsPanic(r2.Err))
	assert.Contains(t, r2.Err.Error(), "kaboom")

	r3 := waitResult(t, h3)
	assert.Equal(t, StatusSucceeded, r3.Status)
	assert.Equal(t, 3, r3.Value)
}

func TestQueue_PanicWithErrorUnwraps(t *testing.T) {
	q := New[int]()
	sentinel := errors.New("sentinel")

	h := q.Submit(func(ctx context.Context) (int, error) { panic(sentinel) })
	r := waitResult(t, h)

	assert.ErrorIs(t, r.Err, sentinel)
	var pe *PanicError
	require.ErrorAs(t, r.Err, &pe)
	assert.NotEmpty(t, pe.Stack)
}

func TestHandle_CancelPendingNeverRuns(t *testing.T) {
	q := New[int]()
	gate := make(chan struct{})
	started := make(chan struct{})

	blocker := q.Submit(func(ctx context.Context) (int, error) {
		close(started)
		<-gate
		return 1, nil
	})
	<-started

	var ran atomic.Bool
	victim := q.Submit(func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})
	require.Equal(t, 1, q.Len())

	assert.True(t, victim.Cancel())
	assert.Equal(t, 0, q.Len())

	close(gate)
	waitResult(t, blocker)
	drain(t, q)

	assert.False(t, ran.Load())
	assert.Equal(t, StatusCancelled, victim.Result().Status)
}

func TestHandle_CancelRunningDiscardsResult(t *testing.T) {
	q := New[int]()
	started := make(chan struct{})
	finish := make(chan struct{})

	h := q.Submit(func(ctx context.Context) (int, error) {
		close(started)
		<-finish
		return 42, nil
	})
	<-started

	assert.True(t, h.Cancel())
	r := h.Result()
	assert.Equal(t, StatusCancelled, r.Status)

	close(finish)
	drain(t, q)

	r = h.Result()
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Zero(t, r.Value)
}

func TestHandle_CancelSignalsContext(t *testing.T) {
	q := New[int]()
	started := make(chan struct{})

	h := q.Submit(func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started

	require.True(t, h.Cancel())
	drain(t, q)
	assert.Equal(t, StatusCancelled, h.Result().Status)
}

func TestHandle_CancelIdempotent(t *testing.T) {
	q := New[int]()

	h := q.Submit(func(ctx context.Context) (int, error) { return 5, nil })
	r := waitResult(t, h)
	require.Equal(t, StatusSucceeded, r.Status)

	assert.False(t, h.Cancel(), "cancel after success must be a no-op")
	assert.False(t, h.Cancel())
	assert.Equal(t, StatusSucceeded, h.Result().Status)
	assert.Equal(t, 5, h.Result().Value)

	gate := make(chan struct{})
	q.Submit(func(ctx context.Context) (int, error) { <-gate; return 0, nil })
	p := q.Submit(func(ctx context.Context) (int, error) { return 0, nil })
	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel())
	close(gate)
	drain(t, q)
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	q := New[int]()
	gate := make(chan struct{})
	defer close(gate)

	h := q.Submit(func(ctx context.Context) (int, error) {
		<-gate
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, r.Status)
}

func TestQueue_IdleRestartsWorker(t *testing.T) {
	q := New[int]()
	assert.True(t, q.Idle())

	waitResult(t, q.Submit(func(ctx context.Context) (int, error) { return 1, nil }))
	drain(t, q)
	assert.True(t, q.Idle())

	r := waitResult(t, q.Submit(func(ctx context.Context) (int, error) { return 2, nil }))
	assert.Equal(t, 2, r.Value)
}

func TestQueue_DrainTimeout(t *testing.T) {
	q := New[int]()
	gate := make(chan struct{})
	defer close(gate)

	q.Submit(func(ctx context.Context) (int, error) {
		<-gate
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	q := New[int]()
	gate := make(chan struct{})
	started := make(chan struct{})

	running := q.Submit(func(ctx context.Context) (int, error) {
		close(started)
		<-gate
		return 1, nil
	})
	<-started
	pending := q.Submit(func(ctx context.Context) (int, error) { return 2, nil })

	q.Close()
	q.Close()

	assert.Equal(t, StatusCancelled, pending.Result().Status)

	late := q.Submit(func(ctx context.Context) (int, error) { return 3, nil })
	r := waitResult(t, late)
	assert.Equal(t, StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, ErrClosed)
	assert.Equal(t, int64(0), late.Seq(), "rejected units take no sequence number")

	close(gate)
	assert.Equal(t, StatusSucceeded, waitResult(t, running).Status)
}

func TestQueue_WithClockResumesSequence(t *testing.T) {
	q := New[int](WithClock(NewClockAt(41)))
	h := q.Submit(func(ctx context.Context) (int, error) { return 0, nil })
	assert.Equal(t, int64(42), h.Seq())
	drain(t, q)
}

func TestQueue_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	q := New[int](WithMetrics(m), WithName("units"))

	waitResult(t, q.Submit(func(ctx context.Context) (int, error) { return 1, nil }))
	waitResult(t, q.Submit(func(ctx context.Context) (int, error) { return 0, errors.New("x") }))

	gate := make(chan struct{})
	q.Submit(func(ctx context.Context) (int, error) { <-gate; return 0, nil })
	c := q.Submit(func(ctx context.Context) (int, error) { return 0, nil })
	c.Cancel()
	close(gate)
	drain(t, q)

	assert.Equal(t, float64(2), promtest.ToFloat64(m.Units.WithLabelValues("units", metrics.StatusSucceeded)))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Units.WithLabelValues("units", metrics.StatusFailed)))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Units.WithLabelValues("units", metrics.StatusCancelled)))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.QueueDepth.WithLabelValues("units")))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestSeqFrom(t *testing.T) {
	q := New[int64]()

	h := q.Submit(func(ctx context.Context) (int64, error) {
		return SeqFrom(ctx), nil
	})
	r := waitResult(t, h)
	assert.Equal(t, h.Seq(), r.Value)
	assert.Equal(t, int64(0), SeqFrom(context.Background()))
}
