// Package eventlooptest provides a deterministic Worker for tests of loop-owned
// components.
package eventlooptest

import (
	"context"
	"sync"
)

type job struct {
	work func(ctx context.Context) (any, error)
	done func(any, error)
}

// Worker queues jobs until Flush or Step runs them on the calling goroutine.
type Worker struct {
	mu   sync.Mutex
	jobs []job
}

func (w *Worker) Do(work func(ctx context.Context) (any, error), done func(any, error)) {
	w.mu.Lock()
	w.jobs = append(w.jobs, job{work: work, done: done})
	w.mu.Unlock()
}

func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// Step runs the oldest queued job. It reports false when nothing was queued.
func (w *Worker) Step() bool {
	w.mu.Lock()
	if len(w.jobs) == 0 {
		w.mu.Unlock()
		return false
	}
	j := w.jobs[0]
	w.jobs = w.jobs[1:]
	w.mu.Unlock()

	v, err := j.work(context.Background())
	if j.done != nil {
		j.done(v, err)
	}
	return true
}

// Flush runs jobs, including ones queued while flushing, until none is left.
func (w *Worker) Flush() {
	for w.Step() {
	}
}
