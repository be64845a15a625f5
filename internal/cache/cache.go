// Package cache keeps the configuration sources of each scope. All methods
// must be called on the event loop; loads and staleness probes run on a
// Worker and complete back on the loop.
package cache

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/eventloop"
)

const defaultStaleAfter = 60 * time.Second

// State is the answer of GetOrRequest.
type State struct {
	Hit     bool
	Sources []configsource.Source
}

// LoadedFunc is called on the loop when a scope load finishes.
type LoadedFunc func(scope configsource.Scope, sources []configsource.Source, err error)

type Options struct {
	Logger *slog.Logger
	Loader configsource.Loader
	Worker eventloop.Worker
	// StaleAfter is the minimum delay between two staleness probes.
	StaleAfter time.Duration
	Now        func() time.Time
}

type Cache struct {
	log        *slog.Logger
	loader     configsource.Loader
	worker     eventloop.Worker
	staleAfter time.Duration
	now        func() time.Time

	entries map[configsource.Scope][]configsource.Source
	// loading holds the generation of the in-flight load per scope.
	loading    map[configsource.Scope]uint64
	generation uint64

	lastCheck time.Time
	probing   bool
	token     string
	haveToken bool

	onLoaded     LoadedFunc
	onInvalidate func()
}

func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		log:        logger,
		loader:     opts.Loader,
		worker:     opts.Worker,
		staleAfter: stale,
		now:        now,
		entries:    make(map[configsource.Scope][]configsource.Source),
		loading:    make(map[configsource.Scope]uint64),
	}
}

// OnLoaded registers the single listener notified of finished scope loads.
func (c *Cache) OnLoaded(fn LoadedFunc) { c.onLoaded = fn }

// OnInvalidate registers a callback run after every bulk invalidation.
func (c *Cache) OnInvalidate(fn func()) { c.onInvalidate = fn }

// GetOrRequest returns the cached sources of scope, or starts loading them and
// returns a miss. A hit may start a background staleness probe; it never waits
// for it.
func (c *Cache) GetOrRequest(scope configsource.Scope) State {
	if sources, ok := c.entries[scope]; ok {
		c.maybeProbe()
		return State{Hit: true, Sources: append([]configsource.Source(nil), sources...)}
	}
	c.Request(scope)
	return State{}
}

// Request starts loading scope unless a load of the current generation is
// already running. Without a staleness baseline, the load reads the state
// token first so a change made before the first probe is still noticed.
func (c *Cache) Request(scope configsource.Scope) {
	if gen, ok := c.loading[scope]; ok && gen == c.generation {
		return
	}
	gen := c.generation
	c.loading[scope] = gen
	needBaseline := !c.haveToken
	c.log.Debug("loading configuration sources", "scope", scope.String())

	eventloop.Submit(c.worker,
		func(ctx context.Context) (load, error) {
			var l load
			if needBaseline {
				tok, err := c.loader.StateToken(ctx)
				if err != nil {
					c.log.Debug("read configuration state token failed", "error", err)
				} else {
					l.token, l.haveToken = tok, true
				}
			}
			sources, err := c.loader.LoadSources(ctx, scope)
			l.sources = sources
			return l, err
		},
		func(l load, err error) {
			c.finishLoad(scope, gen, l, err)
		},
	)
}

type load struct {
	sources   []configsource.Source
	token     string
	haveToken bool
}

func (c *Cache) finishLoad(scope configsource.Scope, gen uint64, l load, err error) {
	if cur, ok := c.loading[scope]; ok && cur == gen {
		delete(c.loading, scope)
	}
	if gen != c.generation {
		c.log.Debug("discarding configuration load from before invalidation", "scope", scope.String())
		return
	}
	if err != nil {
		c.log.Warn("load configuration sources failed", "scope", scope.String(), "error", err)
	} else {
		c.entries[scope] = l.sources
		if l.haveToken && !c.haveToken {
			c.token, c.haveToken = l.token, true
			c.lastCheck = c.now()
		}
	}
	if c.onLoaded != nil {
		c.onLoaded(scope, append([]configsource.Source(nil), l.sources...), err)
	}
}

// Loading reports whether a current-generation load of scope is running.
func (c *Cache) Loading(scope configsource.Scope) bool {
	gen, ok := c.loading[scope]
	return ok && gen == c.generation
}

// Len returns the number of populated scopes.
func (c *Cache) Len() int { return len(c.entries) }

// Invalidate drops every entry. Loads started before are discarded when they
// complete.
func (c *Cache) Invalidate() {
	c.entries = make(map[configsource.Scope][]configsource.Source)
	c.loading = make(map[configsource.Scope]uint64)
	c.generation++
	c.log.Info("configuration cache invalidated", "generation", c.generation)
	if c.onInvalidate != nil {
		c.onInvalidate()
	}
}

func (c *Cache) maybeProbe() {
	now := c.now()
	if c.probing || now.Sub(c.lastCheck) <= c.staleAfter {
		return
	}
	c.probing = true
	c.lastCheck = now

	eventloop.Submit(c.worker,
		func(ctx context.Context) (string, error) {
			return c.loader.StateToken(ctx)
		},
		func(token string, err error) {
			c.probing = false
			if err != nil {
				c.log.Warn("configuration staleness probe failed", "error", err)
				return
			}
			changed := c.haveToken && token != c.token
			c.token, c.haveToken = token, true
			if changed {
				c.Invalidate()
			}
		},
	)
}
