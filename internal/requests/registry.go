package requests

import (
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/sitebridge/internal/protocol"
)

// UnknownCommandError is returned for a command name nobody registered.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// MissingParameterError names the first required parameter absent from data.
type MissingParameterError struct {
	Command string
	Name    string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s: missing required parameter %q", e.Command, e.Name)
}

// Constructor builds a request from validated parameters.
type Constructor func(b base, p protocol.Params) (Request, error)

// Definition is one registry entry.
type Definition struct {
	Name string
	// Required parameters must be present. Present with a null value counts.
	Required []string
	New      Constructor
}

// Registry maps command names to constructors.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds d, replacing any previous definition of the same name.
func (r *Registry) Register(d Definition) {
	name := strings.TrimSpace(d.Name)
	if name == "" || d.New == nil {
		panic("requests: invalid definition")
	}
	d.Name = name
	r.defs[name] = d
}

// Names returns the registered command names in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Create validates params against the definition of name and builds the
// request. reply is bound to the request's correlation id.
func (r *Registry) Create(name string, params protocol.Params, meta Meta, reply Replier, deps *Deps) (Request, error) {
	d, ok := r.defs[strings.TrimSpace(name)]
	if !ok {
		return nil, &UnknownCommandError{Name: name}
	}
	if params == nil {
		params = protocol.Params{}
	}
	for _, p := range d.Required {
		if !params.Has(p) {
			return nil, &MissingParameterError{Command: d.Name, Name: p}
		}
	}
	return d.New(base{name: d.Name, meta: meta, reply: reply, deps: deps}, params)
}

// DefaultRegistry returns every command the server supports.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Definition{Name: "list_supported_commands", New: newListSupportedCommands},
		Definition{Name: "get_actions", Required: []string{"entity_id", "entity_type", "project_id"}, New: newGetActions},
		Definition{Name: "execute_action", Required: []string{"name", "project_id", "entity_type", "entity_ids"}, New: newExecuteAction},
		Definition{Name: "pick_file_or_directory", New: newPickFiles(false)},
		Definition{Name: "pick_files_or_directories", New: newPickFiles(true)},
		Definition{Name: "open", Required: []string{"filepath"}, New: newOpenFile},
		Definition{Name: "open_task", Required: []string{"task_id"}, New: newOpenTask},
		Definition{Name: "open_task_board", Required: []string{"project_id"}, New: newOpenTaskBoard},
		Definition{Name: "open_version_draft", Required: []string{"task_id", "path"}, New: newOpenVersionDraft},
		Definition{Name: "set_media_path", Required: []string{"path"}, New: newSetMediaPath},
	)
}
