package encryption

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// exchangeTimeout bounds a shared secret exchange, which outlives the request
// that started it.
const exchangeTimeout = 30 * time.Second

// Sites hands out one Session per origin site. Concurrent first requests for
// the same site share a single secret exchange.
type Sites struct {
	ex SecretExchanger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSites(ex SecretExchanger) *Sites {
	return &Sites{ex: ex, sessions: make(map[string]*Session)}
}

// Get returns the cached session for site, creating it on first use.
func (s *Sites) Get(ctx context.Context, site string) (*Session, error) {
	key := NormalizeSite(site)
	if sess, ok := s.Lookup(key); ok {
		return sess, nil
	}
	ch := s.group.DoChan(key, func() (any, error) {
		if sess, ok := s.Lookup(key); ok {
			return sess, nil
		}
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		sess, err := New(exCtx, key, s.ex)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[key] = sess
		s.mu.Unlock()
		return sess, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sites) Lookup(site string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[NormalizeSite(site)]
	return sess, ok
}

// NormalizeSite reduces a site url or browser origin to scheme://host[:port]
// in lower case.
func NormalizeSite(site string) string {
	raw := strings.TrimSpace(site)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}
