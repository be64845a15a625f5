package requests

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/deferred"
	"github.com/floegence/sitebridge/internal/protocol"
)

// get_actions retcodes.
const (
	RetcodeSuccess               = 0
	RetcodeCachingNotCompleted   = 1
	RetcodeUnsupportedEntityType = 2
	RetcodeCachingError          = 3
)

type action struct {
	Name            string   `json:"name"`
	Title           string   `json:"title"`
	Tooltip         string   `json:"tooltip,omitempty"`
	DenyPermissions []string `json:"deny_permissions"`
	AppName         string   `json:"app_name"`
	Group           string   `json:"group"`
	GroupDefault    bool     `json:"group_default"`
	EngineName      string   `json:"engine_name"`
}

type configActions struct {
	Config  string   `json:"config"`
	Actions []action `json:"actions"`
}

// ActionsReply is the successful get_actions body.
type ActionsReply struct {
	Retcode int                      `json:"retcode"`
	Pcs     []string                 `json:"pcs"`
	Actions map[string]configActions `json:"actions"`
}

type getActions struct {
	base
	query configsource.Query
}

// requestScope maps project_id to a cache scope. A null project_id asks for
// the site-wide configuration.
func requestScope(p protocol.Params) (configsource.Scope, error) {
	id, ok, err := p.OptInt64("project_id")
	if err != nil {
		return configsource.Scope{}, err
	}
	if !ok {
		return configsource.SiteScope, nil
	}
	if id <= 0 {
		return configsource.Scope{}, fmt.Errorf("project_id: expected a positive id, got %d", id)
	}
	return configsource.ProjectScope(id), nil
}

func newGetActions(b base, p protocol.Params) (Request, error) {
	scope, err := requestScope(p)
	if err != nil {
		return nil, err
	}
	entityType, err := p.String("entity_type")
	if err != nil {
		return nil, err
	}
	entityID, err := p.Int64("entity_id")
	if err != nil {
		return nil, err
	}
	return &getActions{base: b, query: configsource.Query{
		Scope:            scope,
		EntityType:       entityType,
		EntityID:         entityID,
		LinkedEntityType: p.OptString("linked_entity_type"),
	}}, nil
}

func (r *getActions) Kind() Kind                { return KindContext }
func (r *getActions) Query() configsource.Query { return r.query }

// ExecuteWithContext lists actions per configuration. Any failed source turns
// the whole reply into a caching error.
func (r *getActions) ExecuteWithContext(c deferred.Context) {
	if err := joinErrors(c.Errors()); err != nil {
		r.respond(protocol.Failure(RetcodeCachingError, err.Error()))
		return
	}

	reply := ActionsReply{Retcode: RetcodeSuccess, Pcs: []string{}, Actions: map[string]configActions{}}
	for _, g := range c.Groups() {
		name := configsource.DisplayConfigName(g.Source)
		entry, ok := reply.Actions[name]
		if !ok {
			reply.Pcs = append(reply.Pcs, name)
			entry = configActions{Config: name, Actions: []action{}}
		}
		for _, cmd := range g.Commands {
			entry.Actions = append(entry.Actions, action{
				Name:            cmd.Token(),
				Title:           cmd.DisplayName(),
				Tooltip:         cmd.Tooltip(),
				DenyPermissions: []string{},
				AppName:         cmd.AppName(),
				Group:           cmd.Group(),
				GroupDefault:    cmd.GroupDefault(),
				EngineName:      cmd.EngineName(),
			})
		}
		reply.Actions[name] = entry
	}
	r.respond(reply)
}

type executeAction struct {
	base
	token string
	title string
	query configsource.Query
	inv   configsource.Invocation
}

func newExecuteAction(b base, p protocol.Params) (Request, error) {
	token, err := p.String("name")
	if err != nil {
		return nil, err
	}
	scope, err := requestScope(p)
	if err != nil {
		return nil, err
	}
	entityType, err := p.String("entity_type")
	if err != nil {
		return nil, err
	}
	ids, err := p.Int64s("entity_ids")
	if err != nil {
		return nil, err
	}
	var first int64
	if len(ids) > 0 {
		first = ids[0]
	}
	pc := p.OptString("pc")
	return &executeAction{
		base:  b,
		token: token,
		title: p.OptString("title"),
		query: configsource.Query{
			Scope:            scope,
			EntityType:       entityType,
			EntityID:         first,
			LinkedEntityType: p.OptString("linked_entity_type"),
		},
		inv: configsource.Invocation{ProjectID: scope.ProjectID, EntityType: entityType, EntityIDs: ids, Config: pc},
	}, nil
}

func (r *executeAction) Kind() Kind                { return KindContext }
func (r *executeAction) Query() configsource.Query { return r.query }

// ExecuteWithContext resolves the action against the aggregated commands and
// launches it detached. Only resolution problems reach the client.
func (r *executeAction) ExecuteWithContext(c deferred.Context) {
	cmd, src, ok := c.Lookup(r.token)
	if !ok && r.title != "" {
		cmd, src, ok = c.LookupByName(r.title)
	}
	if !ok {
		msg := fmt.Sprintf("action %q is not available", r.label())
		if err := joinErrors(c.Errors()); err != nil {
			msg += "\n" + err.Error()
		}
		r.respond(protocol.Failure(RetcodeFailure, msg))
		return
	}
	if r.deps == nil || r.deps.Launcher == nil {
		r.respond(protocol.Failure(RetcodeFailure, errNoLauncher.Error()))
		return
	}

	inv := r.inv
	if inv.Config == "" {
		inv.Config = configsource.DisplayConfigName(src)
	}
	r.log().Info("executing action", "command", cmd.DisplayName(), "config", inv.Config, "conn_id", r.meta.ConnID)
	r.deps.Launcher.Detach(cmd.DisplayName(), r.meta, func(ctx context.Context) error {
		return cmd.Execute(ctx, inv)
	})
	r.respond(protocol.OK())
}

func (r *executeAction) label() string {
	if r.title != "" {
		return r.title
	}
	return r.token
}

// joinErrors combines errs into one error whose text is the messages joined
// by newlines, or nil.
func joinErrors(errs []error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	merr.ErrorFormat = func(es []error) string {
		parts := make([]string, 0, len(es))
		for _, e := range es {
			parts = append(parts, e.Error())
		}
		return strings.Join(parts, "\n")
	}
	return merr.ErrorOrNil()
}
