// Package deferred aggregates the per-source command lists a context request
// waits for and fires the request exactly once when all of them are in.
//
// A Request is not safe for concurrent use; it is owned by the event loop.
package deferred

import (
	"errors"
	"fmt"

	"github.com/floegence/sitebridge/internal/configsource"
)

type state int

const (
	statePending state = iota
	stateResolved
	stateFailed
)

// Target is the request executed once aggregation completes.
type Target interface {
	ExecuteWithContext(c Context)
}

// Result is the outcome of one source. Source is nil for the slot recording a
// failure to load the scope's sources.
type Result struct {
	Source   configsource.Source
	Commands []configsource.Command
	Err      error
}

type tuple struct {
	key      string
	source   configsource.Source
	state    state
	commands []configsource.Command
	err      error
	// seq orders resolutions; higher resolved later.
	seq int
}

type Request struct {
	target Target

	tuples     []*tuple
	index      map[string]*tuple
	registered bool
	seq        int
	loadFails  int

	executed bool
	retired  bool
}

func New(target Target) *Request {
	return &Request{target: target, index: make(map[string]*tuple)}
}

// RegisterSources seeds one pending slot per source. Sources already known are
// skipped, so registering the same scope twice is harmless.
func (r *Request) RegisterSources(sources []configsource.Source) {
	if r.retired {
		return
	}
	r.registered = true
	for _, s := range sources {
		if s == nil {
			continue
		}
		key := "src:" + s.ID()
		if _, ok := r.index[key]; ok {
			continue
		}
		t := &tuple{key: key, source: s}
		r.tuples = append(r.tuples, t)
		r.index[key] = t
	}
}

// RegisterLoadFailure records that the scope's sources could not be loaded.
// The slot is resolved immediately so the request can still reply.
func (r *Request) RegisterLoadFailure(err error) {
	if r.retired {
		return
	}
	if err == nil {
		err = errors.New("failed to load configurations")
	}
	r.registered = true
	r.loadFails++
	r.seq++
	t := &tuple{key: fmt.Sprintf("load:%d", r.loadFails), state: stateFailed, err: err, seq: r.seq}
	r.tuples = append(r.tuples, t)
	r.index[t.key] = t
}

// Resolve stores the commands of sourceID. It reports false when the source is
// unknown or already resolved.
func (r *Request) Resolve(sourceID string, commands []configsource.Command) bool {
	t := r.pending(sourceID)
	if t == nil {
		return false
	}
	r.seq++
	t.state, t.commands, t.seq = stateResolved, commands, r.seq
	return true
}

// ResolveFailure marks sourceID as failed with err.
func (r *Request) ResolveFailure(sourceID string, err error) bool {
	t := r.pending(sourceID)
	if t == nil {
		return false
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	r.seq++
	t.state, t.err, t.seq = stateFailed, err, r.seq
	return true
}

func (r *Request) pending(sourceID string) *tuple {
	if r.retired {
		return nil
	}
	t := r.index["src:"+sourceID]
	if t == nil || t.state != statePending {
		return nil
	}
	return t
}

// HasSources reports whether sources (or a load failure) were registered.
func (r *Request) HasSources() bool { return r.registered }

// Pending returns the sources still awaited, in registration order.
func (r *Request) Pending() []configsource.Source {
	var out []configsource.Source
	for _, t := range r.tuples {
		if t.state == statePending {
			out = append(out, t.source)
		}
	}
	return out
}

// ExpirePending fails every pending slot with reason and returns how many were
// affected.
func (r *Request) ExpirePending(reason string) int {
	n := 0
	for _, t := range r.tuples {
		if t.state == statePending && t.source != nil {
			if r.ResolveFailure(t.source.ID(), errors.New(reason)) {
				n++
			}
		}
	}
	return n
}

// CanExecute holds once sources are registered and none is pending.
func (r *Request) CanExecute() bool {
	if r.retired || !r.registered {
		return false
	}
	for _, t := range r.tuples {
		if t.state == statePending {
			return false
		}
	}
	return true
}

// Execute runs the target. It panics unless CanExecute holds; afterwards the
// request is retired.
func (r *Request) Execute() {
	if r.executed {
		panic("deferred: Execute called twice")
	}
	if !r.CanExecute() {
		panic("deferred: Execute called before all sources resolved")
	}
	r.executed = true
	r.retired = true
	if r.target != nil {
		r.target.ExecuteWithContext(r.Context())
	}
}

// Cancel retires the request without executing it.
func (r *Request) Cancel() { r.retired = true }

func (r *Request) Retired() bool { return r.retired }

// Context snapshots the results in registration order.
func (r *Request) Context() Context {
	results := make([]Result, 0, len(r.tuples))
	latest := make(map[string]*tuple)
	for _, t := range r.tuples {
		results = append(results, Result{Source: t.source, Commands: t.commands, Err: t.err})
		if t.state != stateResolved {
			continue
		}
		for _, c := range t.commands {
			name := c.DisplayName()
			if cur, ok := latest[name]; !ok || t.seq > cur.seq {
				latest[name] = t
			}
		}
	}

	c := Context{
		Results: results,
		latest:  make(map[string]entry, len(latest)),
		tokens:  make(map[string]string),
	}
	for name, t := range latest {
		for _, cmd := range t.commands {
			if cmd.DisplayName() == name {
				c.latest[name] = entry{source: t.source, command: cmd}
			}
		}
	}
	for _, t := range r.tuples {
		for _, cmd := range t.commands {
			c.tokens[cmd.Token()] = cmd.DisplayName()
		}
	}
	return c
}
