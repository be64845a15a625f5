// Package configsource provides the pipeline configurations that contribute
// commands to a request, and the commands themselves.
package configsource

import (
	"context"
	"fmt"
)

// Scope keys the configuration cache. ProjectID 0 is the site-wide scope.
type Scope struct {
	ProjectID int64
}

// SiteScope holds the configurations that apply outside any project.
var SiteScope = Scope{}

func ProjectScope(projectID int64) Scope { return Scope{ProjectID: projectID} }

func (s Scope) SiteWide() bool { return s.ProjectID == 0 }

func (s Scope) String() string {
	if s.SiteWide() {
		return "site"
	}
	return fmt.Sprintf("project:%d", s.ProjectID)
}

// Query selects the commands relevant to one entity.
type Query struct {
	Scope            Scope
	EntityType       string
	EntityID         int64
	LinkedEntityType string
}

// Invocation carries the arguments of an execute_action request into a command.
type Invocation struct {
	ProjectID  int64
	EntityType string
	EntityIDs  []int64
	Config     string
}

// Command is one executable action contributed by a source.
type Command interface {
	// Token is the opaque serialized form handed to the browser and sent back
	// in execute_action.
	Token() string
	DisplayName() string
	Tooltip() string
	Group() string
	GroupDefault() bool
	AppName() string
	EngineName() string
	Execute(ctx context.Context, inv Invocation) error
}

// Source is one pipeline configuration.
type Source interface {
	ID() string
	// Name is the configuration name; "" for an unnamed site default.
	Name() string
	Primary() bool
	LoadCommands(ctx context.Context, q Query) ([]Command, error)
}

// Loader resolves the sources of a scope and reports changes of the remote
// authority's global state.
type Loader interface {
	LoadSources(ctx context.Context, scope Scope) ([]Source, error)
	// StateToken returns an opaque value that changes whenever any pipeline
	// configuration of the site changes.
	StateToken(ctx context.Context) (string, error)
}

// DefaultConfigName is shown for sources without a name.
const DefaultConfigName = "Primary"

// DisplayConfigName returns the name the browser shows for s.
func DisplayConfigName(s Source) string {
	if s == nil || s.Name() == "" {
		return DefaultConfigName
	}
	return s.Name()
}
