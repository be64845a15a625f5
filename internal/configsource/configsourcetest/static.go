// Package configsourcetest provides in-memory sources and commands for tests.
package configsourcetest

import (
	"context"
	"sync"

	"github.com/floegence/sitebridge/internal/configsource"
)

// Command is a configsource.Command that records its executions.
type Command struct {
	Name  string
	Tok   string
	Err   error
	mu    sync.Mutex
	calls []configsource.Invocation
}

func NewCommand(token, name string) *Command {
	return &Command{Tok: token, Name: name}
}

func (c *Command) Token() string       { return c.Tok }
func (c *Command) DisplayName() string { return c.Name }
func (c *Command) Tooltip() string     { return "" }
func (c *Command) Group() string       { return "" }
func (c *Command) GroupDefault() bool  { return false }
func (c *Command) AppName() string     { return "" }
func (c *Command) EngineName() string  { return "" }

func (c *Command) Execute(_ context.Context, inv configsource.Invocation) error {
	c.mu.Lock()
	c.calls = append(c.calls, inv)
	c.mu.Unlock()
	return c.Err
}

func (c *Command) Calls() []configsource.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]configsource.Invocation(nil), c.calls...)
}

// Source returns fixed commands or a fixed error.
type Source struct {
	SourceID   string
	SourceName string
	IsPrimary  bool
	Commands   []configsource.Command
	Err        error
}

func (s *Source) ID() string    { return s.SourceID }
func (s *Source) Name() string  { return s.SourceName }
func (s *Source) Primary() bool { return s.IsPrimary }

func (s *Source) LoadCommands(context.Context, configsource.Query) ([]configsource.Command, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Commands, nil
}

// Loader serves sources per scope and a settable state token.
type Loader struct {
	mu      sync.Mutex
	Sources map[configsource.Scope][]configsource.Source
	Err     error
	Token   string
	Loads   map[configsource.Scope]int
	Probes  int
	// Block, when set, holds LoadSources until it is closed.
	Block chan struct{}
}

func NewLoader() *Loader {
	return &Loader{
		Sources: make(map[configsource.Scope][]configsource.Source),
		Loads:   make(map[configsource.Scope]int),
	}
}

func (l *Loader) Set(scope configsource.Scope, sources ...configsource.Source) {
	l.mu.Lock()
	l.Sources[scope] = sources
	l.mu.Unlock()
}

func (l *Loader) SetToken(tok string) {
	l.mu.Lock()
	l.Token = tok
	l.mu.Unlock()
}

func (l *Loader) LoadCount(scope configsource.Scope) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Loads[scope]
}

func (l *Loader) ProbeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Probes
}

func (l *Loader) LoadSources(ctx context.Context, scope configsource.Scope) ([]configsource.Source, error) {
	l.mu.Lock()
	block := l.Block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Loads[scope]++
	if l.Err != nil {
		return nil, l.Err
	}
	return append([]configsource.Source(nil), l.Sources[scope]...), nil
}

func (l *Loader) StateToken(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Probes++
	return l.Token, nil
}
