// Package encryption owns the per-site symmetric session used for every message
// after the handshake.
package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// SecretExchanger trades a server id for the site's shared secret.
type SecretExchanger interface {
	RetrieveServerSecret(ctx context.Context, serverID string) (string, error)
}

// SecretExchangeError reports a failed or malformed secret exchange.
type SecretExchangeError struct {
	Site string
	Err  error
}

func (e *SecretExchangeError) Error() string {
	return fmt.Sprintf("secret exchange with %s failed: %v", e.Site, e.Err)
}

func (e *SecretExchangeError) Unwrap() error { return e.Err }

// DecryptionError reports a tampered payload or one sealed with another key.
type DecryptionError struct {
	Len int
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("could not decrypt payload (%d bytes)", e.Len)
}

// Session encrypts traffic for one site. It is immutable after New returns.
type Session struct {
	site     string
	serverID string
	key      *fernet.Key
}

// New generates a server id, exchanges it for the site secret and builds the
// session key.
func New(ctx context.Context, site string, ex SecretExchanger) (*Session, error) {
	if ex == nil {
		return nil, &SecretExchangeError{Site: site, Err: errors.New("no secret exchanger")}
	}
	serverID, err := newServerID()
	if err != nil {
		return nil, &SecretExchangeError{Site: site, Err: err}
	}
	secret, err := ex.RetrieveServerSecret(ctx, serverID)
	if err != nil {
		return nil, &SecretExchangeError{Site: site, Err: err}
	}
	key, err := parseSecret(secret)
	if err != nil {
		return nil, &SecretExchangeError{Site: site, Err: err}
	}
	return &Session{site: site, serverID: serverID, key: key}, nil
}

func (s *Session) ServerID() string {
	if s == nil {
		return ""
	}
	return s.serverID
}

func (s *Session) Site() string {
	if s == nil {
		return ""
	}
	return s.site
}

func (s *Session) Encrypt(payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("nil encryption session")
	}
	return fernet.EncryptAndSign(payload, s.key)
}

// Decrypt never panics; any failure is reported as *DecryptionError.
func (s *Session) Decrypt(token []byte) (out []byte, err error) {
	if s == nil || s.key == nil {
		return nil, &DecryptionError{Len: len(token)}
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &DecryptionError{Len: len(token)}
		}
	}()
	// Tokens do not expire: the browser may keep a page open for days.
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(string(token))), -1, []*fernet.Key{s.key})
	if msg == nil {
		return nil, &DecryptionError{Len: len(token)}
	}
	return msg, nil
}

func newServerID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// parseSecret re-pads the secret before decoding. The authority is known to
// drop trailing padding.
func parseSecret(secret string) (*fernet.Key, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("empty ws_server_secret")
	}
	s = padBase64(s)
	key, err := fernet.DecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("malformed ws_server_secret: %w", err)
	}
	return key, nil
}

func padBase64(s string) string {
	if !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		s += strings.Repeat("=", 4-len(s)%4)
	}
	return s
}
