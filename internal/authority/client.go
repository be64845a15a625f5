// Package authority is the client of the remote site the server is logged in
// to. Every call is a POST of json params to /api/sitebridge/v1/rpc/<method>
// answered with a {success, data, error} envelope.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

const (
	rpcPath            = "/api/sitebridge/v1/rpc/"
	defaultAttempts    = 3
	defaultHTTPTimeout = 20 * time.Second
	maxBodyBytes       = 4 << 20
)

// Error is a failure reported by the authority itself. It is never retried.
type Error struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Method, msg, e.Code)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, msg)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Options struct {
	Logger  *slog.Logger
	SiteURL string
	// Token authenticates every call as the logged in user.
	Token      string
	HTTPClient *http.Client
	// Attempts bounds tries per call on transport errors and 5xx replies.
	Attempts int
	// Backoff paces retries. Defaults to 200ms doubling up to 5s with jitter.
	Backoff *backoff.Backoff
}

type Client struct {
	log      *slog.Logger
	base     *url.URL
	token    string
	http     *http.Client
	attempts int
	backoff  backoff.Backoff
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.SiteURL)
	if raw == "" {
		return nil, errors.New("missing site url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid site url %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery, u.Fragment = "", ""

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	b := backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	if opts.Backoff != nil {
		b = *opts.Backoff
	}
	return &Client{
		log:      logger,
		base:     u,
		token:    normalizeBearerToken(opts.Token),
		http:     hc,
		attempts: attempts,
		backoff:  b,
	}, nil
}

// SiteURL returns the normalized site url.
func (c *Client) SiteURL() string { return c.base.String() }

// Call invokes method and decodes its data member into out (when non-nil).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	b := c.backoff // per call copy
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		data, retry, err := c.do(ctx, method, body)
		if err == nil {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%s: invalid response data: %w", method, err)
			}
			return nil
		}
		lastErr = err
		if !retry || attempt == c.attempts {
			break
		}
		d := b.Duration()
		c.log.Debug("authority call failed; retrying", "method", method, "attempt", attempt, "delay", d, "error", err)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// do performs one attempt. retry reports whether a later attempt may succeed.
func (c *Client) do(ctx context.Context, method string, body []byte) (data json.RawMessage, retry bool, err error) {
	u := *c.base
	u.Path += rpcPath + url.PathEscape(method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 500 {
		return nil, true, &Error{Method: method, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, false, &Error{Method: method, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, false, fmt.Errorf("%s: invalid json: %w", method, err)
	}
	if !env.Success {
		e := &Error{Method: method, Status: resp.StatusCode}
		if env.Error != nil {
			e.Code = strings.TrimSpace(env.Error.Code)
			e.Message = strings.TrimSpace(env.Error.Message)
		}
		return nil, false, e
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &Error{Method: method, Status: resp.StatusCode}
	}
	return env.Data, false, nil
}

func normalizeBearerToken(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	parts := strings.Fields(s)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return s
}
