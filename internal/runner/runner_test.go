package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/sitebridge/internal/cache"
	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/configsource/configsourcetest"
	"github.com/floegence/sitebridge/internal/eventloop"
	"github.com/floegence/sitebridge/internal/eventloop/eventlooptest"
	"github.com/floegence/sitebridge/internal/protocol"
	"github.com/floegence/sitebridge/internal/requests"
)

type inline struct{}

func (inline) Post(fn func()) error {
	fn()
	return nil
}

type inlineExec struct{}

func (inlineExec) Go(_ string, fn func()) { fn() }

type pickHost struct {
	requests.Headless
	paths []string
}

func (h pickHost) PickFiles(context.Context, bool) ([]string, error) { return h.paths, nil }

type harness struct {
	t      *testing.T
	worker *eventlooptest.Worker
	loader *configsourcetest.Loader
	cache  *cache.Cache
	runner *Runner
	deps   *requests.Deps

	timers []func()
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, worker: &eventlooptest.Worker{}, loader: configsourcetest.NewLoader()}
	h.cache = cache.New(cache.Options{Loader: h.loader, Worker: h.worker})
	h.runner = New(Options{
		Cache:     h.cache,
		Worker:    h.worker,
		Immediate: inlineExec{},
		Loop:      inline{},
		Timeout:   timeout,
		AfterFunc: func(_ time.Duration, fn func()) func() bool {
			h.timers = append(h.timers, fn)
			return func() bool { return true }
		},
	})
	h.deps = &requests.Deps{Registry: requests.DefaultRegistry(), Host: pickHost{paths: []string{"/a.mov", "/b.mov"}}}
	return h
}

type collector struct {
	mu  sync.Mutex
	got []any
}

func (c *collector) reply(p any) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) status(t *testing.T) protocol.Status {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 {
		t.Fatalf("replies = %d, want 1: %+v", len(c.got), c.got)
	}
	st, ok := c.got[0].(protocol.Status)
	if !ok {
		t.Fatalf("reply is %T, want protocol.Status", c.got[0])
	}
	return st
}

func (h *harness) submit(conn, name, data string) *collector {
	h.t.Helper()
	var p protocol.Params
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		h.t.Fatalf("Unmarshal: %v", err)
	}
	c := &collector{}
	req, err := h.deps.Registry.Create(name, p, requests.Meta{ConnID: conn, UserID: 1}, c.reply, h.deps)
	if err != nil {
		h.t.Fatalf("Create(%s): %v", name, err)
	}
	h.runner.Submit(req)
	return c
}

const shot55 = `{"project_id": 100, "entity_type": "Shot", "entity_id": 55}`

func TestRunner_SourceErrorFailsGetActions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ok := []configsource.Command{
		configsourcetest.NewCommand("a", "Maya"),
		configsourcetest.NewCommand("b", "Nuke"),
		configsourcetest.NewCommand("c", "Houdini"),
	}
	h.loader.Set(configsource.ProjectScope(100),
		&configsourcetest.Source{SourceID: "1", Commands: ok},
		&configsourcetest.Source{SourceID: "2", Err: errors.New("config invalid")},
	)

	c := h.submit("c1", "get_actions", shot55)
	h.worker.Flush()

	st := c.status(t)
	if st.Retcode != requests.RetcodeCachingError || st.Err != "config invalid" {
		t.Fatalf("status = %+v", st)
	}
	for _, cmd := range ok {
		if len(cmd.(*configsourcetest.Command).Calls()) != 0 {
			t.Fatalf("command executed by get_actions")
		}
	}
	if h.runner.Pending() != 0 {
		t.Fatalf("Pending = %d", h.runner.Pending())
	}
}

func TestRunner_ImmediateSkipsAggregation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	c := h.submit("c1", "pick_file_or_directory", `{}`)
	if h.runner.Pending() != 0 || len(h.timers) != 0 {
		t.Fatalf("immediate request created a deferred request")
	}
	h.worker.Flush()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 {
		t.Fatalf("replies = %v", c.got)
	}
	paths, _ := c.got[0].([]string)
	if len(paths) != 1 || paths[0] != "/a.mov" {
		t.Fatalf("paths = %v", c.got[0])
	}
	if h.loader.LoadCount(configsource.ProjectScope(100)) != 0 {
		t.Fatalf("immediate request touched the cache")
	}
}

func TestRunner_ImmediateErrorBecomesFailureReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.deps.Launcher = requests.NewLauncher(requests.LauncherOptions{Override: "true"})
	c := h.submit("c1", "open", `{"filepath": "/no/such/file"}`)
	h.worker.Flush()

	if st := c.status(t); st.Retcode != requests.RetcodeFailure || !strings.Contains(st.Err, "path not found") {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunner_InvalidationKeepsInFlightRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	scope := configsource.ProjectScope(100)
	h.loader.Set(scope,
		&configsourcetest.Source{SourceID: "1", Commands: []configsource.Command{configsourcetest.NewCommand("a", "Maya")}},
		&configsourcetest.Source{SourceID: "2", SourceName: "Dev", Commands: []configsource.Command{configsourcetest.NewCommand("b", "Nuke")}},
	)

	first := h.submit("c1", "get_actions", shot55)
	if !h.worker.Step() { // scope load
		t.Fatalf("no scope load queued")
	}
	if !h.worker.Step() { // source 1 commands
		t.Fatalf("no command load queued")
	}
	if first.len() != 0 {
		t.Fatalf("replied with one source pending")
	}

	h.cache.Invalidate()
	if got := h.worker.Len(); got != 1 {
		t.Fatalf("queued jobs after invalidation = %d, want only the source 2 load", got)
	}
	h.worker.Flush()

	b, err := json.Marshal(first.got)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"Maya"`) || !strings.Contains(string(b), `"Nuke"`) {
		t.Fatalf("reply lost a resolved source: %s", b)
	}
	if got := h.loader.LoadCount(scope); got != 1 {
		t.Fatalf("in-flight request reloaded the scope: loads = %d", got)
	}

	second := h.submit("c1", "get_actions", shot55)
	h.worker.Flush()
	if got := h.loader.LoadCount(scope); got != 2 {
		t.Fatalf("new request after invalidation did not reload: loads = %d", got)
	}
	if second.len() != 1 {
		t.Fatalf("second request replies = %d", second.len())
	}
}

func TestRunner_InvalidationReloadsParkedScope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	scope := configsource.ProjectScope(100)
	h.loader.Set(scope, &configsourcetest.Source{SourceID: "1"})

	c := h.submit("c1", "get_actions", shot55)
	h.cache.Invalidate()
	h.worker.Flush()

	if got := h.loader.LoadCount(scope); got != 2 {
		t.Fatalf("loads = %d, want the stale load plus a reload", got)
	}
	if st := c.len(); st != 1 {
		t.Fatalf("replies = %d", st)
	}
}

func TestRunner_LoadFailureStillReplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.loader.Err = errors.New("authority unreachable")
	c := h.submit("c1", "get_actions", shot55)
	h.worker.Flush()

	if st := c.status(t); st.Retcode != requests.RetcodeCachingError || st.Err != "authority unreachable" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunner_EmptyScopeExecutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	c := h.submit("c1", "get_actions", shot55)
	h.worker.Flush()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 1 {
		t.Fatalf("replies = %+v", c.got)
	}
	reply, ok := c.got[0].(requests.ActionsReply)
	if !ok || reply.Retcode != 0 || len(reply.Pcs) != 0 {
		t.Fatalf("reply = %+v", c.got)
	}
}

func TestRunner_TimeoutExecutesWithPartialContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	scope := configsource.ProjectScope(100)
	h.loader.Set(scope, &configsourcetest.Source{SourceID: "1"})

	// Parked: the scope load never ran.
	c := h.submit("c1", "get_actions", shot55)
	if len(h.timers) != 1 {
		t.Fatalf("timers = %d", len(h.timers))
	}
	h.timers[0]()
	st := c.status(t)
	if st.Retcode != requests.RetcodeCachingError || !strings.Contains(st.Err, "timed out") {
		t.Fatalf("status = %+v", st)
	}

	// The late load must not produce a second reply.
	h.worker.Flush()
	if c.len() != 1 {
		t.Fatalf("replies after late load = %d", c.len())
	}

	// Registered: one source still loading when the timer fires.
	d := h.submit("c1", "get_actions", shot55)
	h.timers[1]()
	if st := d.status(t); !strings.Contains(st.Err, "timed out") {
		t.Fatalf("status = %+v", st)
	}
	h.worker.Flush()
	if d.len() != 1 || h.runner.Pending() != 0 {
		t.Fatalf("replies = %d, pending = %d", d.len(), h.runner.Pending())
	}
}

func TestRunner_CancelConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.loader.Set(configsource.ProjectScope(100), &configsourcetest.Source{SourceID: "1"})

	gone := h.submit("c1", "get_actions", shot55)
	kept := h.submit("c2", "get_actions", shot55)
	if n := h.runner.CancelConnection("c1"); n != 1 {
		t.Fatalf("CancelConnection = %d", n)
	}
	h.worker.Flush()

	if gone.len() != 0 {
		t.Fatalf("cancelled request replied")
	}
	if kept.len() != 1 {
		t.Fatalf("other connection's request replies = %d", kept.len())
	}
}

func TestRunner_ImmediateDoesNotWaitForConfigurationLoad(t *testing.T) {
	t.Parallel()

	loop := eventloop.New(eventloop.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	pool := eventloop.NewPool(eventloop.PoolOptions{Loop: loop, Size: 1})
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		cancel()
		<-loop.Done()
		pool.Close()
	})

	loader := configsourcetest.NewLoader()
	loader.Block = release
	loader.Set(configsource.ProjectScope(100), &configsourcetest.Source{SourceID: "1"})
	c := cache.New(cache.Options{Loader: loader, Worker: pool})
	r := New(Options{Cache: c, Worker: pool, Loop: loop})
	deps := &requests.Deps{Registry: requests.DefaultRegistry()}

	submit := func(name, data string) *collector {
		t.Helper()
		var p protocol.Params
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		col := &collector{}
		req, err := deps.Registry.Create(name, p, requests.Meta{ConnID: "c1", UserID: 1}, col.reply, deps)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		if err := loop.Call(context.Background(), func() { r.Submit(req) }); err != nil {
			t.Fatalf("Call: %v", err)
		}
		return col
	}

	actions := submit("get_actions", shot55)
	list := submit("list_supported_commands", `{}`)

	deadline := time.Now().Add(5 * time.Second)
	for list.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("list_supported_commands waited behind a stalled configuration load")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if actions.len() != 0 {
		t.Fatalf("get_actions replied before its configuration loaded")
	}
}
