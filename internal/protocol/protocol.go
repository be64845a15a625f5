// Package protocol converts between wire bytes and the typed messages exchanged
// with the embedded browser client.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// ProtocolVersion is the only version this server speaks.
	ProtocolVersion = 2

	// HandshakeProbe is the literal cleartext message opening every connection.
	HandshakeProbe = "get_protocol_version"

	// CommandGetServerID is the only command accepted before encryption is set up.
	CommandGetServerID = "get_ws_server_id"

	ErrorCodeUserMismatch = "CONNECTION_REFUSED_USER_MISMATCH"
	ErrorCodeSiteMismatch = "CONNECTION_REFUSED_SITE_MISMATCH"
)

// timestampLayout is ISO-8601 in local time with microseconds, no zone.
const timestampLayout = "2006-01-02T15:04:05.000000"

var (
	ErrInvalidUTF8   = errors.New("payload is not valid utf-8")
	ErrNotAnObject   = errors.New("payload is not a json object")
	ErrMissingCmd    = errors.New("missing command")
	ErrMissingUserID = errors.New("missing user id from request")
)

// Timestamp marshals as an ISO-8601 string.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(timestampLayout))
}

// Command is the `command` member of an inbound envelope.
type Command struct {
	Name string `json:"name"`
	Data Params `json:"data"`
}

// Envelope is an inbound message after decryption (or in cleartext during the
// server id phase).
type Envelope struct {
	// ID is kept as raw json and echoed back verbatim.
	ID              json.RawMessage `json:"id"`
	ProtocolVersion json.Number     `json:"protocol_version"`
	Command         *Command        `json:"command"`
}

// Version returns the envelope's protocol version, or false when it is absent
// or not an integer.
func (e *Envelope) Version() (int64, bool) {
	if e == nil || e.ProtocolVersion == "" {
		return 0, false
	}
	v, err := e.ProtocolVersion.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// UserID returns command.data.user.entity.id.
func (e *Envelope) UserID() (int64, error) {
	if e == nil || e.Command == nil {
		return 0, ErrMissingCmd
	}
	id, ok := e.Command.Data.UserID()
	if !ok {
		return 0, ErrMissingUserID
	}
	return id, nil
}

// Decode parses an inbound json envelope. Numbers are kept as json.Number so
// ids and entity ids round-trip without float conversion.
func Decode(b []byte) (*Envelope, error) {
	if !utf8.Valid(b) {
		return nil, ErrInvalidUTF8
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotAnObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Command != nil && env.Command.Data == nil {
		env.Command.Data = Params{}
	}
	return &env, nil
}

// PeekUserID returns command.data.user.entity.id.
func PeekUserID(b []byte) (int64, bool) {
	r := gjson.GetBytes(b, "command.data.user.entity.id")
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

// EncryptFunc seals an outbound payload. A nil EncryptFunc sends cleartext.
type EncryptFunc func([]byte) ([]byte, error)

func marshal(v any, encrypt EncryptFunc) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := bytes.TrimRight(buf.Bytes(), "\n")
	if encrypt == nil {
		return b, nil
	}
	return encrypt(b)
}

// VersionReply answers the handshake probe.
type VersionReply struct {
	ProtocolVersion int `json:"protocol_version"`
}

func EncodeVersionReply() ([]byte, error) {
	return marshal(VersionReply{ProtocolVersion: ProtocolVersion}, nil)
}

// Reply is the outbound envelope. Reply is omitted for the server id answer.
type Reply struct {
	ServerID        string          `json:"ws_server_id"`
	Timestamp       Timestamp       `json:"timestamp"`
	ProtocolVersion int             `json:"protocol_version"`
	ID              json.RawMessage `json:"id"`
	Reply           any             `json:"reply,omitempty"`
}

// EncodeServerIDReply builds the cleartext answer to get_ws_server_id.
func EncodeServerIDReply(serverID string, id json.RawMessage, now time.Time) ([]byte, error) {
	return marshal(Reply{
		ServerID:        serverID,
		Timestamp:       Timestamp(now),
		ProtocolVersion: ProtocolVersion,
		ID:              normalizeID(id),
	}, nil)
}

// EncodeReply builds a command reply envelope and passes it through encrypt.
func EncodeReply(serverID string, id json.RawMessage, payload any, now time.Time, encrypt EncryptFunc) ([]byte, error) {
	r := Reply{
		ServerID:        serverID,
		Timestamp:       Timestamp(now),
		ProtocolVersion: ProtocolVersion,
		ID:              normalizeID(id),
		Reply:           payload,
	}
	if payload == nil {
		r.Reply = json.RawMessage("null")
	}
	return marshal(r, encrypt)
}

// ErrorReply carries no correlation id: it reports faults that happen before
// a request could be identified.
type ErrorReply struct {
	Error        bool           `json:"error"`
	ErrorMessage string         `json:"error_message"`
	ErrorData    map[string]any `json:"error_data,omitempty"`
}

func EncodeError(message string, data map[string]any, encrypt EncryptFunc) ([]byte, error) {
	return marshal(ErrorReply{Error: true, ErrorMessage: message, ErrorData: data}, encrypt)
}

// EncodeRefusal builds the structured handshake refusal for code.
func EncodeRefusal(message, code string) ([]byte, error) {
	return EncodeError(message, map[string]any{"error_code": code}, nil)
}

// Status is the standard {retcode, out, err} reply body.
type Status struct {
	Retcode int    `json:"retcode"`
	Out     string `json:"out"`
	Err     string `json:"err"`
}

func OK() Status { return Status{} }

func Failure(retcode int, err string) Status {
	return Status{Retcode: retcode, Err: err}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}
