package connection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/sitebridge/internal/auditlog"
	"github.com/floegence/sitebridge/internal/encryption"
	"github.com/floegence/sitebridge/internal/requests"
)

const site = "https://studio.example.com"

type exchanger struct{ err error }

func (e exchanger) RetrieveServerSecret(context.Context, string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return base64.URLEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)), nil
}

type sender struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *sender) Send(msg []byte) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	s.mu.Unlock()
	return nil
}

func (s *sender) last(t *testing.T) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		t.Fatalf("nothing sent")
	}
	return s.msgs[len(s.msgs)-1]
}

func (s *sender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// inlineRunner executes immediate requests on the calling goroutine.
type inlineRunner struct {
	submitted []string
	cancelled []string
}

func (r *inlineRunner) Submit(req requests.Request) {
	r.submitted = append(r.submitted, req.Name())
	if ir, ok := req.(requests.ImmediateRequest); ok {
		if err := ir.Execute(); err != nil {
			req.Fail(err)
		}
	}
}

func (r *inlineRunner) CancelConnection(id string) { r.cancelled = append(r.cancelled, id) }

type notifier struct{ warned []string }

func (n *notifier) Warn(title, message string) { n.warned = append(n.warned, message) }

type audits struct{ entries []auditlog.Entry }

func (a *audits) Append(e auditlog.Entry) { a.entries = append(a.entries, e) }

type fixture struct {
	conn   *Connection
	sender *sender
	runner *inlineRunner
	sites  *encryption.Sites
	audit  *audits
}

func newFixture(t *testing.T, mut func(*Options)) *fixture {
	t.Helper()
	f := &fixture{sender: &sender{}, runner: &inlineRunner{}, sites: encryption.NewSites(exchanger{}), audit: &audits{}}
	reg := requests.DefaultRegistry()
	opts := Options{
		ID:               "conn-1",
		Origin:           site + "/",
		Identity:         Identity{Site: "HTTPS://Studio.Example.com", UserID: 42},
		Sessions:         f.sites,
		Registry:         reg,
		Deps:             &requests.Deps{Registry: reg},
		Runner:           f.runner,
		Sender:           f.sender,
		Audit:            f.audit,
		StructuredErrors: func() bool { return true },
	}
	if mut != nil {
		mut(&opts)
	}
	f.conn = New(opts)
	return f
}

func serverIDRequest(userID int64) []byte {
	return []byte(`{"id": 1, "timestamp": 1520903545674, "command": {"name": "get_ws_server_id", "data": {"user": {"entity": {"type": "HumanUser", "id": ` + itoa(userID) + `}}}}}`)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func (f *fixture) handshake(t *testing.T) *encryption.Session {
	t.Helper()
	ctx := context.Background()
	if err := f.conn.HandleMessage(ctx, []byte("get_protocol_version")); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if got := string(f.sender.last(t)); got != `{"protocol_version":2}` {
		t.Fatalf("version reply = %s", got)
	}
	if err := f.conn.HandleMessage(ctx, serverIDRequest(42)); err != nil {
		t.Fatalf("server id request: %v", err)
	}
	sess, ok := f.sites.Lookup(site)
	if !ok {
		t.Fatalf("no session for %s", site)
	}
	var reply map[string]any
	if err := json.Unmarshal(f.sender.last(t), &reply); err != nil {
		t.Fatalf("server id reply: %v", err)
	}
	if reply["ws_server_id"] != sess.ServerID() || reply["id"] != float64(1) || reply["protocol_version"] != float64(2) {
		t.Fatalf("server id reply = %v", reply)
	}
	if _, ok := reply["reply"]; ok {
		t.Fatalf("server id reply carries a reply member: %v", reply)
	}
	if f.conn.State() != AwaitingEncryptedRequest {
		t.Fatalf("state = %s", f.conn.State())
	}
	return sess
}

func encryptedRequest(t *testing.T, sess *encryption.Session, body string) []byte {
	t.Helper()
	tok, err := sess.Encrypt([]byte(body))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return tok
}

func decryptLast(t *testing.T, f *fixture, sess *encryption.Session) map[string]any {
	t.Helper()
	plain, err := sess.Decrypt(f.sender.last(t))
	if err != nil {
		t.Fatalf("reply is not encrypted with the site key: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}

func TestConnection_HandshakeAndEncryptedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sess := f.handshake(t)

	msg := encryptedRequest(t, sess, `{"id": 7, "protocol_version": 2, "command": {"name": "list_supported_commands", "data": {"user": {"entity": {"id": 42}}}}}`)
	if err := f.conn.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	reply := decryptLast(t, f, sess)
	if reply["id"] != float64(7) || reply["ws_server_id"] != sess.ServerID() {
		t.Fatalf("reply envelope = %v", reply)
	}
	names, _ := reply["reply"].([]any)
	if len(names) != 10 {
		t.Fatalf("reply = %v", reply["reply"])
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Action != auditlog.ActionConnectionOpened {
		t.Fatalf("audit = %+v", f.audit.entries)
	}
}

func TestConnection_InvalidHandshakeIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	err := f.conn.HandleMessage(context.Background(), []byte("hello"))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v", err)
	}

	f = newFixture(t, nil)
	_ = f.conn.HandleMessage(context.Background(), []byte("get_protocol_version"))
	err = f.conn.HandleMessage(context.Background(), []byte(`{"id": 1, "command": {"name": "get_actions"}}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("wrong command in server id phase: err = %v", err)
	}
}

func TestConnection_RefusesMismatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		origin string
		user   int64
		code   string
	}{
		{name: "site", origin: "https://other.example.com", user: 42, code: "CONNECTION_REFUSED_SITE_MISMATCH"},
		{name: "user", origin: site, user: 7, code: "CONNECTION_REFUSED_USER_MISMATCH"},
	}
	for _, tc := range cases {
		f := newFixture(t, func(o *Options) { o.Origin = tc.origin })
		_ = f.conn.HandleMessage(context.Background(), []byte("get_protocol_version"))
		err := f.conn.HandleMessage(context.Background(), serverIDRequest(tc.user))

		var refused *RefusedError
		if !errors.As(err, &refused) || refused.Code != tc.code {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		var reply map[string]any
		if err := json.Unmarshal(f.sender.last(t), &reply); err != nil {
			t.Fatalf("%s: refusal: %v", tc.name, err)
		}
		data, _ := reply["error_data"].(map[string]any)
		if reply["error"] != true || data["error_code"] != tc.code {
			t.Fatalf("%s: refusal = %v", tc.name, reply)
		}
		if _, ok := reply["id"]; ok {
			t.Fatalf("%s: refusal carries an id", tc.name)
		}
		if len(f.audit.entries) != 1 || f.audit.entries[0].Reason != tc.code {
			t.Fatalf("%s: audit = %+v", tc.name, f.audit.entries)
		}
	}
}

func TestConnection_LegacyAuthorityWarnsOnce(t *testing.T) {
	t.Parallel()

	n := &notifier{}
	warnings := NewWarnings(n)
	for i := 0; i < 2; i++ {
		f := newFixture(t, func(o *Options) {
			o.Origin = "https://other.example.com"
			o.Warnings = warnings
			o.StructuredErrors = func() bool { return false }
		})
		_ = f.conn.HandleMessage(context.Background(), []byte("get_protocol_version"))
		var refused *RefusedError
		if err := f.conn.HandleMessage(context.Background(), serverIDRequest(42)); !errors.As(err, &refused) {
			t.Fatalf("err = %v", err)
		}
		if f.sender.count() != 1 {
			t.Fatalf("legacy authority got a structured refusal")
		}
	}
	if len(n.warned) != 1 {
		t.Fatalf("warnings = %v", n.warned)
	}
}

func TestConnection_SecretExchangeFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Sessions = encryption.NewSites(exchanger{err: errors.New("forbidden")}) })
	_ = f.conn.HandleMessage(context.Background(), []byte("get_protocol_version"))
	if err := f.conn.HandleMessage(context.Background(), serverIDRequest(42)); err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(string(f.sender.last(t)), `"error":true`) {
		t.Fatalf("last message = %s", f.sender.last(t))
	}
}

func TestConnection_MessageScopedFaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sess := f.handshake(t)
	ctx := context.Background()

	// Garbage: encrypted generic error, connection stays up.
	if err := f.conn.HandleMessage(ctx, []byte("not a token")); err != nil {
		t.Fatalf("decrypt failure closed the connection: %v", err)
	}
	if reply := decryptLast(t, f, sess); reply["error"] != true {
		t.Fatalf("decrypt failure reply = %v", reply)
	}

	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "version", body: `{"id": 2, "protocol_version": 1, "command": {"name": "list_supported_commands", "data": {"user": {"entity": {"id": 42}}}}}`, want: "protocol version"},
		{name: "no user", body: `{"id": 2, "protocol_version": 2, "command": {"name": "list_supported_commands", "data": {}}}`, want: "missing user id"},
		{name: "other user", body: `{"id": 2, "protocol_version": 2, "command": {"name": "list_supported_commands", "data": {"user": {"entity": {"id": 5}}}}}`, want: "logged in as user 42"},
		{name: "unknown", body: `{"id": 2, "protocol_version": 2, "command": {"name": "rm_rf", "data": {"user": {"entity": {"id": 42}}}}}`, want: "unknown command"},
		{name: "missing param", body: `{"id": 2, "protocol_version": 2, "command": {"name": "open", "data": {"user": {"entity": {"id": 42}}}}}`, want: "filepath"},
	}
	for _, tc := range cases {
		if err := f.conn.HandleMessage(ctx, encryptedRequest(t, sess, tc.body)); err != nil {
			t.Fatalf("%s: closed the connection: %v", tc.name, err)
		}
		reply := decryptLast(t, f, sess)
		body, _ := reply["reply"].(map[string]any)
		errText, _ := body["err"].(string)
		if reply["id"] != float64(2) || body["retcode"] != float64(1) || !strings.Contains(errText, tc.want) {
			t.Fatalf("%s: reply = %v", tc.name, reply)
		}
	}
	if len(f.runner.submitted) != 0 {
		t.Fatalf("rejected requests reached the runner: %v", f.runner.submitted)
	}
	if f.conn.State() != AwaitingEncryptedRequest {
		t.Fatalf("state = %s", f.conn.State())
	}
}

func TestConnection_CloseCancelsRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.handshake(t)
	f.conn.Close()
	f.conn.Close()

	if len(f.runner.cancelled) != 1 || f.runner.cancelled[0] != "conn-1" {
		t.Fatalf("cancelled = %v", f.runner.cancelled)
	}
	if f.conn.State() != Closed {
		t.Fatalf("state = %s", f.conn.State())
	}
	if err := f.conn.HandleMessage(context.Background(), []byte("get_protocol_version")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("message after close: %v", err)
	}
	last := f.audit.entries[len(f.audit.entries)-1]
	if last.Action != auditlog.ActionConnectionClosed || last.ConnectionID != "conn-1" {
		t.Fatalf("audit = %+v", f.audit.entries)
	}
}
