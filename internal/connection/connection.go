// Package connection drives the handshake and encrypted request phases of one
// browser socket.
//
// A Connection is confined to the goroutine reading its socket. Replies may be
// sent from any goroutine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/floegence/sitebridge/internal/auditlog"
	"github.com/floegence/sitebridge/internal/encryption"
	"github.com/floegence/sitebridge/internal/protocol"
	"github.com/floegence/sitebridge/internal/requests"
)

type State int

const (
	AwaitingHandshake State = iota
	AwaitingServerIDRequest
	AwaitingEncryptedRequest
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case AwaitingServerIDRequest:
		return "awaiting_server_id_request"
	case AwaitingEncryptedRequest:
		return "awaiting_encrypted_request"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProtocol wraps every fault that ends the connection.
var ErrProtocol = errors.New("protocol violation")

// RefusedError ends a connection whose site or user does not match the
// authenticated identity.
type RefusedError struct {
	Code string
}

func (e *RefusedError) Error() string { return "connection refused: " + e.Code }

// Sender writes one text frame to the socket.
type Sender interface {
	Send(msg []byte) error
}

// Submitter hands requests to the runner.
type Submitter interface {
	Submit(req requests.Request)
	CancelConnection(connID string)
}

// SessionSource returns the encryption session of a site.
type SessionSource interface {
	Get(ctx context.Context, site string) (*encryption.Session, error)
}

// Identity is who the server is logged in as.
type Identity struct {
	Site   string
	UserID int64
}

type Options struct {
	Logger     *slog.Logger
	ID         string
	RemoteAddr string
	// Origin is the Origin header of the upgrade request.
	Origin   string
	Identity Identity

	Sessions SessionSource
	Registry *requests.Registry
	Deps     *requests.Deps
	Runner   Submitter
	Sender   Sender
	Audit    requests.Auditor
	Warnings *Warnings
	// StructuredErrors reports whether the authority's web app understands
	// refusal replies. When false a refusal is shown as a local warning.
	StructuredErrors func() bool
	Now              func() time.Time
}

type Connection struct {
	log  *slog.Logger
	opts Options
	now  func() time.Time

	state State
	sess  *encryption.Session

	closeOnce sync.Once
}

func New(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = requests.DefaultRegistry()
	}
	return &Connection{
		log:  logger.With("conn_id", opts.ID),
		opts: opts,
		now:  now,
	}
}

func (c *Connection) ID() string   { return c.opts.ID }
func (c *Connection) State() State { return c.state }

// HandleMessage processes one inbound frame. A non-nil error means the socket
// must be closed.
func (c *Connection) HandleMessage(ctx context.Context, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "state", c.state.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			if c.state == AwaitingEncryptedRequest {
				c.sendError(c.sess, "internal error")
				err = nil
				return
			}
			err = fmt.Errorf("%w: %v", ErrProtocol, r)
		}
	}()

	switch c.state {
	case AwaitingHandshake:
		return c.handleHandshake(msg)
	case AwaitingServerIDRequest:
		return c.handleServerIDRequest(ctx, msg)
	case AwaitingEncryptedRequest:
		c.handleEncrypted(msg)
		return nil
	default:
		return fmt.Errorf("%w: connection closed", ErrProtocol)
	}
}

func (c *Connection) handleHandshake(msg []byte) error {
	if string(msg) != protocol.HandshakeProbe {
		return fmt.Errorf("%w: unexpected handshake request", ErrProtocol)
	}
	b, err := protocol.EncodeVersionReply()
	if err != nil {
		return err
	}
	if err := c.opts.Sender.Send(b); err != nil {
		return err
	}
	c.state = AwaitingServerIDRequest
	return nil
}

func (c *Connection) handleServerIDRequest(ctx context.Context, msg []byte) error {
	env, err := protocol.Decode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Command == nil || env.Command.Name != protocol.CommandGetServerID {
		return fmt.Errorf("%w: expected %s", ErrProtocol, protocol.CommandGetServerID)
	}

	origin := encryption.NormalizeSite(c.opts.Origin)
	if origin == "" || origin != encryption.NormalizeSite(c.opts.Identity.Site) {
		c.log.Warn("refusing connection from another site", "origin", origin, "site", c.opts.Identity.Site)
		return c.refuse(protocol.ErrorCodeSiteMismatch, origin, 0,
			"This browser page belongs to a different site than the one you are logged in to.")
	}
	if uid, ok := protocol.PeekUserID(msg); ok && uid != c.opts.Identity.UserID {
		c.log.Warn("refusing connection from another user", "user_id", uid, "logged_in_user_id", c.opts.Identity.UserID)
		return c.refuse(protocol.ErrorCodeUserMismatch, origin, uid,
			"The browser is logged in as a different user than the one you are logged in as.")
	}

	sess, err := c.opts.Sessions.Get(ctx, origin)
	if err != nil {
		c.log.Error("could not set up encryption", "site", origin, "error", err)
		if b, encErr := protocol.EncodeError("could not set up encryption with the site", nil, nil); encErr == nil {
			_ = c.opts.Sender.Send(b)
		}
		return err
	}
	b, err := protocol.EncodeServerIDReply(sess.ServerID(), env.ID, c.now())
	if err != nil {
		return err
	}
	if err := c.opts.Sender.Send(b); err != nil {
		return err
	}
	c.sess = sess
	c.state = AwaitingEncryptedRequest
	c.audit(auditlog.Entry{Action: auditlog.ActionConnectionOpened, Site: origin})
	c.log.Info("connection established", "site", origin, "remote_addr", c.opts.RemoteAddr)
	return nil
}

func (c *Connection) refuse(code, origin string, uid int64, message string) error {
	c.audit(auditlog.Entry{
		Action: auditlog.ActionConnectionRefused,
		Status: "failure",
		Site:   origin,
		UserID: uid,
		Reason: code,
	})
	if c.opts.StructuredErrors != nil && c.opts.StructuredErrors() {
		if b, err := protocol.EncodeRefusal(message, code); err == nil {
			_ = c.opts.Sender.Send(b)
		}
	} else {
		c.opts.Warnings.Warn(code, "Browser integration refused a connection", message)
	}
	return &RefusedError{Code: code}
}

func (c *Connection) handleEncrypted(msg []byte) {
	sess := c.sess
	plain, err := sess.Decrypt(msg)
	if err != nil {
		c.log.Warn("could not decrypt payload", "error", err)
		c.audit(auditlog.Entry{Action: auditlog.ActionDecryptFailed, Status: "failure", Site: sess.Site(), Error: err.Error()})
		c.sendError(sess, "could not decrypt payload")
		return
	}

	env, err := protocol.Decode(plain)
	if err != nil {
		c.log.Warn("invalid request payload", "error", err)
		c.sendError(sess, err.Error())
		return
	}
	fail := func(err error) {
		c.log.Warn("rejecting request", "id", string(env.ID), "error", err)
		c.reply(sess, env, protocol.Failure(requests.RetcodeFailure, err.Error()))
	}
	if v, ok := env.Version(); !ok || v != protocol.ProtocolVersion {
		fail(fmt.Errorf("unexpected protocol version %s", env.ProtocolVersion))
		return
	}
	if env.Command == nil || env.Command.Name == "" {
		fail(protocol.ErrMissingCmd)
		return
	}
	uid, err := env.UserID()
	if err != nil {
		fail(err)
		return
	}
	if uid != c.opts.Identity.UserID {
		fail(fmt.Errorf("request made by user %d but logged in as user %d", uid, c.opts.Identity.UserID))
		return
	}

	meta := requests.Meta{ID: env.ID, ConnID: c.opts.ID, UserID: uid}
	reply := func(payload any) { c.reply(sess, env, payload) }
	req, err := c.opts.Registry.Create(env.Command.Name, env.Command.Data, meta, reply, c.opts.Deps)
	if err != nil {
		fail(err)
		return
	}
	c.log.Debug("request received", "command", req.Name(), "kind", req.Kind().String(), "id", string(env.ID))
	c.opts.Runner.Submit(req)
}

func (c *Connection) reply(sess *encryption.Session, env *protocol.Envelope, payload any) {
	b, err := protocol.EncodeReply(sess.ServerID(), env.ID, payload, c.now(), sess.Encrypt)
	if err != nil {
		c.log.Error("encode reply failed", "id", string(env.ID), "error", err)
		return
	}
	if err := c.opts.Sender.Send(b); err != nil {
		c.log.Debug("reply dropped", "id", string(env.ID), "error", err)
	}
}

func (c *Connection) sendError(sess *encryption.Session, message string) {
	var encrypt protocol.EncryptFunc
	if sess != nil {
		encrypt = sess.Encrypt
	}
	b, err := protocol.EncodeError(message, nil, encrypt)
	if err != nil {
		c.log.Error("encode error reply failed", "error", err)
		return
	}
	_ = c.opts.Sender.Send(b)
}

// Close cancels the connection's outstanding requests. It is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		wasOpen := c.state == AwaitingEncryptedRequest
		c.state = Closed
		c.sess = nil
		if c.opts.Runner != nil {
			c.opts.Runner.CancelConnection(c.opts.ID)
		}
		if wasOpen {
			c.audit(auditlog.Entry{Action: auditlog.ActionConnectionClosed})
		}
		c.log.Debug("connection closed")
	})
}

func (c *Connection) audit(e auditlog.Entry) {
	if c.opts.Audit == nil {
		return
	}
	e.ConnectionID = c.opts.ID
	e.RemoteAddr = c.opts.RemoteAddr
	if e.UserID == 0 {
		e.UserID = c.opts.Identity.UserID
	}
	c.opts.Audit.Append(e)
}

// Warnings shows each refusal reason to the local user at most once per
// process.
type Warnings struct {
	notifier requests.Notifier

	mu   sync.Mutex
	seen map[string]bool
}

func NewWarnings(n requests.Notifier) *Warnings {
	return &Warnings{notifier: n, seen: make(map[string]bool)}
}

// Warn reports whether the warning was shown.
func (w *Warnings) Warn(reason, title, message string) bool {
	if w == nil || w.notifier == nil {
		return false
	}
	w.mu.Lock()
	if w.seen[reason] {
		w.mu.Unlock()
		return false
	}
	w.seen[reason] = true
	w.mu.Unlock()
	w.notifier.Warn(title, message)
	return true
}
