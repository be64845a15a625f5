package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_RunsInOrder(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	_ = l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatalf("loop stopped after a panic")
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	l.Stop()
	if err := l.Post(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Post after Stop = %v", err)
	}
}

func TestPool_BoundsConcurrencyAndPostsBack(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	p := NewPool(PoolOptions{Loop: l, Size: 2})
	t.Cleanup(p.Close)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		Submit(p, func(context.Context) (int, error) {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}, func(v int, err error) {
			defer wg.Done()
			if err != nil {
				t.Errorf("work %d: %v", i, err)
			}
			results <- v
		})
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if len(results) != 10 {
		t.Fatalf("results = %d", len(results))
	}
}

func TestPool_PanicBecomesError(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	p := NewPool(PoolOptions{Loop: l, Size: 1})
	t.Cleanup(p.Close)

	errCh := make(chan error, 1)
	p.Do(func(context.Context) (any, error) { panic("bad source") }, func(_ any, err error) { errCh <- err })
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected an error from a panicking worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}
}
