package deferred

import "github.com/floegence/sitebridge/internal/configsource"

type entry struct {
	source  configsource.Source
	command configsource.Command
}

// Context is what a context request executes with.
type Context struct {
	Results []Result

	// latest maps a display name to the command of the source resolved last.
	latest map[string]entry
	// tokens maps every seen command token to its display name.
	tokens map[string]string
}

// Errors returns the failed slots in registration order.
func (c Context) Errors() []error {
	var out []error
	for _, r := range c.Results {
		if r.Err != nil {
			out = append(out, r.Err)
		}
	}
	return out
}

// Group is one source with its visible commands.
type Group struct {
	Source   configsource.Source
	Commands []configsource.Command
	Err      error
}

// Groups lists sources in registration order. A display name is shown only
// under the first source that has it, but the command listed for it is the one
// from the source resolved last.
func (c Context) Groups() []Group {
	seen := make(map[string]bool)
	out := make([]Group, 0, len(c.Results))
	for _, r := range c.Results {
		g := Group{Source: r.Source, Err: r.Err}
		for _, cmd := range r.Commands {
			name := cmd.DisplayName()
			if seen[name] {
				continue
			}
			seen[name] = true
			if e, ok := c.latest[name]; ok {
				cmd = e.command
			}
			g.Commands = append(g.Commands, cmd)
		}
		out = append(out, g)
	}
	return out
}

// Lookup resolves a token handed out by Groups to the command that should run.
func (c Context) Lookup(token string) (configsource.Command, configsource.Source, bool) {
	name, ok := c.tokens[token]
	if !ok {
		return nil, nil, false
	}
	e, ok := c.latest[name]
	if !ok {
		return nil, nil, false
	}
	return e.command, e.source, true
}

// LookupByName resolves a display name, used when a client sends a title
// instead of a token.
func (c Context) LookupByName(name string) (configsource.Command, configsource.Source, bool) {
	e, ok := c.latest[name]
	if !ok {
		return nil, nil, false
	}
	return e.command, e.source, true
}
