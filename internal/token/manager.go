// Package token manages the lifecycle of the bearer token used against the
// music API: proactive refresh ahead of expiry, coalescing of concurrent
// refreshes, and forced invalidation after the token is rejected upstream.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/memorymix/memorymix-bridge/internal/cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshBuffer is how long before expiry a token is considered stale.
const DefaultRefreshBuffer = 5 * time.Minute

// accessTokenKey is the single key used in the token cache.
const accessTokenKey = "access_token"

const refreshKey = "refresh"

// ErrNotAuthenticated is returned when no application-level credential is
// available to obtain a token.
var ErrNotAuthenticated = errors.New("not authenticated")

// Endpoint is the collaborator that issues new access tokens.
type Endpoint interface {
	FetchToken(ctx context.Context) (*oauth2.Token, error)
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context) (*oauth2.Token, error)

func (f EndpointFunc) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	return f(ctx)
}

// Status describes the manager's view of the current token.
type Status struct {
	ExpiresAt    time.Time     `json:"expiresAt"`
	Remaining    time.Duration `json:"remaining"`
	NeedsRefresh bool          `json:"needsRefresh"`
}

// Manager supplies a valid bearer token, refreshing it before it expires.
// At most one refresh runs at a time; concurrent callers share its result.
type Manager struct {
	endpoint Endpoint
	tokens   *cache.Cache[string]
	buffer   time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu        sync.Mutex
	expiresAt time.Time
	// generation changes on Clear, so a refresh that was already running does
	// not repopulate state after a logout.
	generation uint64
}

type options struct {
	buffer time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithRefreshBuffer sets how far ahead of expiry a token is refreshed.
func WithRefreshBuffer(buffer time.Duration) Option {
	return func(o *options) {
		o.buffer = buffer
	}
}

// WithClock replaces the clock used for expiry decisions. The token cache
// should share the same clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewManager creates a Manager that obtains tokens from endpoint and keeps
// the current token in store.
func NewManager(endpoint Endpoint, store *cache.Cache[string], opts ...Option) *Manager {
	o := options{
		buffer: DefaultRefreshBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Manager{
		endpoint: endpoint,
		tokens:   store,
		buffer:   o.buffer,
		now:      o.now,
	}
}

// AccessToken returns a token that is valid for at least the refresh buffer.
// A cached token is returned when fresh; otherwise the caller joins the
// refresh in flight or starts one.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	now := m.now()
	if m.fresh(now, expiresAt) && m.tokens.Has(accessTokenKey) {
		return m.tokens.Get(ctx, accessTokenKey, m.refresh, expiresAt.Sub(now))
	}

	return m.refresh(ctx)
}

// ForceRefresh marks the current token stale and drops it from the cache.
// The next AccessToken call performs the refresh; no request is made here.
func (m *Manager) ForceRefresh() {
	m.mu.Lock()
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	m.tokens.Invalidate(accessTokenKey)

	log.Debug().Msg("token: forced refresh requested")
}

// Clear resets all token state, as on logout. A refresh already in flight
// still answers its waiters but its result is discarded.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.expiresAt = time.Time{}
	m.generation++
	m.group.Forget(refreshKey)
	m.mu.Unlock()

	m.tokens.InvalidateAll()

	log.Info().Msg("token: cleared")
}

// Status reports the current expiry as seen by the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	now := m.now()
	if expiresAt.IsZero() {
		return Status{NeedsRefresh: true}
	}

	return Status{
		ExpiresAt:    expiresAt,
		Remaining:    max(expiresAt.Sub(now), 0),
		NeedsRefresh: !m.fresh(now, expiresAt),
	}
}

func (m *Manager) fresh(now, expiresAt time.Time) bool {
	return now.Add(m.buffer).Before(expiresAt)
}

// refresh obtains a new token, sharing one endpoint call between all
// concurrent callers.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.fetch(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) fetch(ctx context.Context) (string, error) {
	m.mu.Lock()
	generation := m.generation
	m.mu.Unlock()

	log.Ctx(ctx).Info().Msg("token: refreshing access token")

	tok, err := m.endpoint.FetchToken(ctx)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return "", err
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token refresh failed: endpoint returned no access token")
	}

	now := m.now()
	ttl := Lifetime(tok, now)
	if ttl <= 0 {
		return "", fmt.Errorf("token refresh failed: endpoint returned an expired token")
	}
	expiresAt := now.Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != generation {
		log.Ctx(ctx).Info().Msg("token: state cleared during refresh, result not retained")
		return tok.AccessToken, nil
	}

	m.expiresAt = expiresAt
	m.tokens.Set(accessTokenKey, tok.AccessToken, ttl)

	log.Ctx(ctx).Info().
		Time("expiry", expiresAt).
		Dur("ttl", ttl).
		Msg("token: access token refreshed")

	return tok.AccessToken, nil
}

// Lifetime returns how long tok remains valid from now. The provider's
// expires_in value is preferred over the absolute expiry.
func Lifetime(tok *oauth2.Token, now time.Time) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now)
	}
	return 0
}
