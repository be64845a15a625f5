// Package eventloop provides the single goroutine that owns connection, cache
// and runner state, and the bounded pool that runs blocking work for it.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned by Post after the loop stopped.
var ErrClosed = errors.New("event loop closed")

// Dispatcher schedules closures onto the owning loop.
type Dispatcher interface {
	Post(fn func()) error
}

type Options struct {
	Logger *slog.Logger
	// QueueSize bounds the inbox. Post blocks while it is full.
	QueueSize int
}

// Loop runs posted closures one at a time in FIFO order.
type Loop struct {
	log   *slog.Logger
	inbox chan func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Loop{
		log:    logger,
		inbox:  make(chan func(), size),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Post enqueues fn. It is safe to call from any goroutine, including the loop
// itself as long as the inbox has room.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.stopCh:
		return ErrClosed
	default:
	}
	select {
	case l.inbox <- fn:
		return nil
	case <-l.stopCh:
		return ErrClosed
	}
}

// Call posts fn and waits for it to run.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the inbox until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.stopCh:
			return
		case fn := <-l.inbox:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event loop task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Done is closed once Run returned.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }
