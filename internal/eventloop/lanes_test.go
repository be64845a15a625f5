package eventloop

import (
	"sync"
	"testing"
	"time"
)

func TestLanes_SerialPerKey(t *testing.T) {
	t.Parallel()

	l := NewLanes()
	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"c1", "c2"} {
			key, i := key, i
			l.Go(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	l.Wait()

	for _, key := range []string{"c1", "c2"} {
		if len(got[key]) != 50 {
			t.Fatalf("%s ran %d", key, len(got[key]))
		}
		for i, v := range got[key] {
			if v != i {
				t.Fatalf("%s[%d] = %d", key, i, v)
			}
		}
	}
}

func TestLanes_BlockedKeyDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	l := NewLanes()
	release := make(chan struct{})
	l.Go("slow", func() { <-release })

	done := make(chan struct{})
	l.Go("fast", func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fast lane waited behind slow lane")
	}
	close(release)
	l.Wait()
}
