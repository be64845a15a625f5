package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Worker runs blocking work away from the loop and delivers done back on it.
type Worker interface {
	Do(work func(ctx context.Context) (any, error), done func(v any, err error))
}

// Submit is the typed form of Worker.Do.
func Submit[T any](w Worker, work func(ctx context.Context) (T, error), done func(T, error)) {
	w.Do(
		func(ctx context.Context) (any, error) { return work(ctx) },
		func(v any, err error) {
			t, _ := v.(T)
			done(t, err)
		},
	)
}

type PoolOptions struct {
	Logger *slog.Logger
	Loop   Dispatcher
	// Size bounds concurrent work. Defaults to 2.
	Size int
}

// Pool is a Worker bounded by a weighted semaphore.
type Pool struct {
	log  *slog.Logger
	loop Dispatcher
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	size := opts.Size
	if size <= 0 {
		size = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:    logger,
		loop:   opts.Loop,
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Do never blocks the caller. A panic in work is reported to done as an error.
func (p *Pool) Do(work func(ctx context.Context) (any, error), done func(v any, err error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.deliver(done, nil, err)
			return
		}
		v, err := p.run(work)
		p.sem.Release(1)
		p.deliver(done, v, err)
	}()
}

func (p *Pool) run(work func(ctx context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			v, err = nil, fmt.Errorf("worker panic: %v", r)
		}
	}()
	return work(p.ctx)
}

func (p *Pool) deliver(done func(any, error), v any, err error) {
	if done == nil || p.loop == nil {
		return
	}
	if perr := p.loop.Post(func() { done(v, err) }); perr != nil {
		p.log.Debug("dropping worker result", "error", perr)
	}
}

// Close cancels in-flight work and waits for workers to return.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
