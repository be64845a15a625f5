// Package runner routes decoded requests: immediate ones run right away,
// context ones wait for the commands of every configuration source of their
// scope. All methods except New must be called on the event loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/floegence/sitebridge/internal/cache"
	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/deferred"
	"github.com/floegence/sitebridge/internal/eventloop"
	"github.com/floegence/sitebridge/internal/requests"
)

// DefaultTimeout bounds how long a context request waits for its sources.
const DefaultTimeout = 120 * time.Second

var errTimedOut = errors.New("timed out waiting for configuration")

// AfterFunc schedules fn after d and returns a function cancelling it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

type Options struct {
	Logger *slog.Logger
	Cache  *cache.Cache
	// Worker runs scope and per-source command loads.
	Worker eventloop.Worker
	// Immediate runs requests that need no configuration, serially per
	// connection. Defaults to eventloop.NewLanes().
	Immediate eventloop.Executor
	// Loop receives timeout expiries.
	Loop eventloop.Dispatcher
	// Timeout of a context request. Zero disables the timeout.
	Timeout   time.Duration
	AfterFunc AfterFunc
}

type waiter struct {
	req    requests.ContextRequest
	d      *deferred.Request
	scope  configsource.Scope
	connID string
	stop   func() bool
}

type Runner struct {
	log     *slog.Logger
	cache   *cache.Cache
	worker  eventloop.Worker
	exec    eventloop.Executor
	loop    eventloop.Dispatcher
	timeout time.Duration
	after   AfterFunc

	// parked holds requests whose scope has no sources yet.
	parked map[configsource.Scope][]*waiter
	active map[*waiter]struct{}
}

func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	after := opts.AfterFunc
	if after == nil {
		after = func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }
	}
	exec := opts.Immediate
	if exec == nil {
		exec = eventloop.NewLanes()
	}
	r := &Runner{
		log:     logger,
		cache:   opts.Cache,
		worker:  opts.Worker,
		exec:    exec,
		loop:    opts.Loop,
		timeout: opts.Timeout,
		after:   after,
		parked:  make(map[configsource.Scope][]*waiter),
		active:  make(map[*waiter]struct{}),
	}
	r.cache.OnLoaded(r.sourcesLoaded)
	r.cache.OnInvalidate(r.invalidated)
	return r
}

// Submit starts req. It never blocks.
func (r *Runner) Submit(req requests.Request) {
	switch v := req.(type) {
	case requests.ImmediateRequest:
		r.runImmediate(v)
	case requests.ContextRequest:
		r.runContext(v)
	default:
		r.log.Error("request of unknown kind", "command", req.Name(), "kind", req.Kind().String())
		req.Fail(fmt.Errorf("unsupported request kind %s", req.Kind()))
	}
}

// runImmediate executes req right away. Host calls may block, so it runs off
// the loop and outside the configuration pool.
func (r *Runner) runImmediate(req requests.ImmediateRequest) {
	r.exec.Go(req.Meta().ConnID, func() {
		if err := r.executeImmediate(req); err != nil {
			r.log.Warn("request failed", "command", req.Name(), "conn_id", req.Meta().ConnID, "error", err)
			req.Fail(err)
		}
	})
}

func (r *Runner) executeImmediate(req requests.ImmediateRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("request panicked", "command", req.Name(), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return req.Execute()
}

func (r *Runner) runContext(req requests.ContextRequest) {
	w := &waiter{
		req:    req,
		d:      deferred.New(req),
		scope:  req.Query().Scope,
		connID: req.Meta().ConnID,
	}
	r.active[w] = struct{}{}
	if r.timeout > 0 && r.loop != nil {
		w.stop = r.after(r.timeout, func() {
			_ = r.loop.Post(func() { r.expire(w) })
		})
	}

	st := r.cache.GetOrRequest(w.scope)
	if st.Hit {
		r.attach(w, st.Sources)
		return
	}
	r.log.Debug("request waiting for configuration", "command", req.Name(), "scope", w.scope.String())
	r.parked[w.scope] = append(r.parked[w.scope], w)
}

// attach registers sources on w and loads the commands of each one.
func (r *Runner) attach(w *waiter, sources []configsource.Source) {
	w.d.RegisterSources(sources)
	q := w.req.Query()
	for _, s := range sources {
		src := s
		eventloop.Submit(r.worker,
			func(ctx context.Context) ([]configsource.Command, error) {
				return src.LoadCommands(ctx, q)
			},
			func(cmds []configsource.Command, err error) {
				if err != nil {
					r.log.Warn("load commands failed", "source", src.ID(), "scope", w.scope.String(), "error", err)
					w.d.ResolveFailure(src.ID(), err)
				} else {
					w.d.Resolve(src.ID(), cmds)
				}
				r.maybeExecute(w)
			},
		)
	}
	r.maybeExecute(w)
}

func (r *Runner) sourcesLoaded(scope configsource.Scope, sources []configsource.Source, err error) {
	waiters := r.parked[scope]
	delete(r.parked, scope)
	for _, w := range waiters {
		if w.d.Retired() {
			continue
		}
		if err != nil {
			w.d.RegisterLoadFailure(err)
			r.maybeExecute(w)
			continue
		}
		r.attach(w, sources)
	}
}

// invalidated reissues loads for scopes that still have parked requests.
// Requests that already registered sources keep their slots.
func (r *Runner) invalidated() {
	for scope, waiters := range r.parked {
		if len(waiters) > 0 {
			r.cache.Request(scope)
		}
	}
}

func (r *Runner) expire(w *waiter) {
	if w.d.Retired() {
		return
	}
	n := w.d.ExpirePending(errTimedOut.Error())
	if !w.d.HasSources() {
		r.unpark(w)
		w.d.RegisterLoadFailure(errTimedOut)
		n++
	}
	r.log.Warn("request timed out", "command", w.req.Name(), "scope", w.scope.String(), "expired", n)
	r.maybeExecute(w)
}

func (r *Runner) maybeExecute(w *waiter) {
	if w.d.Retired() || !w.d.CanExecute() {
		return
	}
	r.release(w)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("request panicked", "command", w.req.Name(), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			w.req.Fail(fmt.Errorf("internal error: %v", rec))
		}
	}()
	w.d.Execute()
}

func (r *Runner) release(w *waiter) {
	delete(r.active, w)
	if w.stop != nil {
		w.stop()
	}
}

func (r *Runner) unpark(w *waiter) {
	list := r.parked[w.scope]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.parked, w.scope)
		return
	}
	r.parked[w.scope] = list
}

// CancelConnection retires every outstanding request of connID. Command loads
// already running finish but are ignored.
func (r *Runner) CancelConnection(connID string) int {
	n := 0
	for w := range r.active {
		if w.connID != connID {
			continue
		}
		w.d.Cancel()
		r.release(w)
		r.unpark(w)
		n++
	}
	if n > 0 {
		r.log.Debug("cancelled pending requests", "conn_id", connID, "count", n)
	}
	return n
}

// Pending returns the number of context requests not yet executed.
func (r *Runner) Pending() int { return len(r.active) }
