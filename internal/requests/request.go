// Package requests defines the closed set of commands the browser can send and
// builds them from decoded envelopes.
package requests

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/floegence/sitebridge/internal/auditlog"
	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/deferred"
	"github.com/floegence/sitebridge/internal/protocol"
)

// Kind tags whether a request needs the aggregated configuration context.
type Kind int

const (
	KindImmediate Kind = iota + 1
	KindContext
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindContext:
		return "context"
	default:
		return "unknown"
	}
}

// RetcodeFailure is the retcode of a standard failure reply.
const RetcodeFailure = 1

// Request is implemented only by the types in this package. Every Request is
// either an ImmediateRequest or a ContextRequest, as told by Kind.
type Request interface {
	Name() string
	Kind() Kind
	Meta() Meta
	// Fail sends the standard failure reply for err.
	Fail(err error)
	sealed()
}

// ImmediateRequest runs on receipt and replies exactly once. A returned error
// is sent to the client as a standard failure reply.
type ImmediateRequest interface {
	Request
	Execute() error
}

// ContextRequest runs once the commands of every source of its scope are in.
type ContextRequest interface {
	Request
	deferred.Target
	Query() configsource.Query
}

// Meta identifies where a request came from.
type Meta struct {
	ID     json.RawMessage
	ConnID string
	UserID int64
}

// Replier sends a reply body for the request it is bound to.
type Replier func(payload any)

// Auditor records security relevant events.
type Auditor interface {
	Append(e auditlog.Entry)
}

// Deps are the collaborators requests call into. Every field may be nil except
// Logger; a request needing a missing collaborator fails with an error reply.
type Deps struct {
	Logger   *slog.Logger
	Host     Host
	Tasks    TaskResolver
	Launcher *Launcher
	Audit    Auditor
	// Registry answers list_supported_commands.
	Registry *Registry
	// Context bounds blocking host calls of immediate requests.
	Context context.Context
}

type base struct {
	name  string
	meta  Meta
	reply Replier
	deps  *Deps
}

func (b *base) Name() string { return b.name }
func (b *base) Meta() Meta   { return b.meta }
func (b *base) sealed()      {}

func (b *base) Fail(err error) { b.respondStatus(err) }

func (b *base) respond(payload any) {
	if b.reply != nil {
		b.reply(payload)
	}
}

func (b *base) respondStatus(err error) {
	if err != nil {
		b.respond(protocol.Failure(RetcodeFailure, err.Error()))
		return
	}
	b.respond(protocol.OK())
}

func (b *base) ctx() context.Context {
	if b.deps != nil && b.deps.Context != nil {
		return b.deps.Context
	}
	return context.Background()
}

func (b *base) log() *slog.Logger {
	if b.deps != nil && b.deps.Logger != nil {
		return b.deps.Logger
	}
	return slog.Default()
}

func (b *base) audit(e auditlog.Entry) {
	if b.deps == nil || b.deps.Audit == nil {
		return
	}
	e.ConnectionID = b.meta.ConnID
	e.UserID = b.meta.UserID
	b.deps.Audit.Append(e)
}
