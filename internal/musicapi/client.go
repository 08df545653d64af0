// Package musicapi executes requests against the music API with credential
// injection, one-shot recovery from a rejected token, bounded backoff on rate
// limiting, and response caching for idempotent reads.
package musicapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/memorymix/memorymix-bridge/internal/cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Retry policy defaults.
const (
	DefaultMaxRetries     = 4
	DefaultInitialBackoff = time.Second
)

// Default cache lifetimes per endpoint bucket.
const (
	DefaultSearchTTL = 15 * time.Minute
	DefaultTrackTTL  = time.Hour
	DefaultTTL       = 5 * time.Minute
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 64 << 10

// TokenProvider supplies bearer tokens and accepts notice that the current
// token was rejected.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh()
}

// Caches holds the response caches used for GET requests.
type Caches struct {
	Search *cache.Cache[json.RawMessage]
	Tracks *cache.Cache[json.RawMessage]
}

// TTLs holds the default lifetime for each cache bucket.
type TTLs struct {
	Search  time.Duration
	Track   time.Duration
	Default time.Duration
}

// Request describes one logical call to the API.
type Request struct {
	// Endpoint is the path (with any query string) relative to the API base,
	// e.g. "/search?q=...".
	Endpoint string
	// Method defaults to GET.
	Method string
	// Body is JSON encoded when set. json.RawMessage is sent as is.
	Body any
	// TTL overrides the bucket's default cache lifetime.
	TTL time.Duration
	// NoCache sends a GET straight to the network without consulting or
	// populating a cache.
	NoCache bool
}

// Client issues requests against the music API. It is safe for concurrent
// use.
type Client struct {
	baseURL        string
	tokens         TokenProvider
	caches         Caches
	ttls           TTLs
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMaxRetries sets how many times a rate-limited request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the first wait after a rate-limited response. Each
// further wait doubles.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff caps the doubling backoff. Zero leaves it uncapped.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithTTLs sets the default cache lifetime of each bucket. Zero values keep
// the defaults.
func WithTTLs(ttls TTLs) Option {
	return func(c *Client) {
		if ttls.Search > 0 {
			c.ttls.Search = ttls.Search
		}
		if ttls.Track > 0 {
			c.ttls.Track = ttls.Track
		}
		if ttls.Default > 0 {
			c.ttls.Default = ttls.Default
		}
	}
}

// WithRateLimit paces outgoing requests client side. A non-positive rate
// disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New creates a Client for the API at baseURL.
func New(baseURL string, tokens TokenProvider, caches Caches, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		caches:  caches,
		ttls: TTLs{
			Search:  DefaultSearchTTL,
			Track:   DefaultTrackTTL,
			Default: DefaultTTL,
		},
		httpClient:     http.DefaultClient,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		sleep:          sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do executes r and returns the response body. A 204 response yields a nil
// body. Only GET requests with caching enabled are served from or stored in
// a cache; every other request reaches the network.
func (c *Client) Do(ctx context.Context, r Request) (json.RawMessage, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	body, err := encodeBody(r.Body)
	if err != nil {
		return nil, fmt.Errorf("could not encode body for %s %s: %w", method, r.Endpoint, err)
	}

	if method != http.MethodGet || r.NoCache {
		return c.dispatch(ctx, method, r.Endpoint, body)
	}

	store, ttl := c.route(r.Endpoint)
	if r.TTL > 0 {
		ttl = r.TTL
	}

	return store.Get(ctx, Key(method, r.Endpoint, body), func(ctx context.Context) (json.RawMessage, error) {
		return c.dispatch(ctx, method, r.Endpoint, body)
	}, ttl)
}

// InvalidateCaches empties every response cache.
func (c *Client) InvalidateCaches() {
	c.caches.Search.InvalidateAll()
	c.caches.Tracks.InvalidateAll()

	log.Info().Msg("musicapi: response caches invalidated")
}

// route selects the cache bucket and default lifetime for a GET endpoint.
func (c *Client) route(endpoint string) (*cache.Cache[json.RawMessage], time.Duration) {
	path, _, _ := strings.Cut(endpoint, "?")

	switch {
	case strings.HasPrefix(path, "/search"):
		return c.caches.Search, c.ttls.Search
	case strings.HasPrefix(path, "/tracks"):
		return c.caches.Tracks, c.ttls.Track
	default:
		return c.caches.Tracks, c.ttls.Default
	}
}

// retryState is carried between dispatch attempts of one logical request.
type retryState struct {
	tokenRetried bool
	attempt      int
	backoff      *backoff.ExponentialBackOff
}

// dispatch runs the request state machine: success, a single re-dispatch
// after a rejected token, bounded re-dispatch after rate limiting, or
// failure.
func (c *Client) dispatch(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, error) {
	state := retryState{backoff: c.newBackoff()}
	l := log.Ctx(ctx).With().Str("method", method).Str("endpoint", endpoint).Logger()

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if len(resp.Body) > 0 && !json.Valid(resp.Body) {
				return nil, fmt.Errorf("%s %s returned an invalid JSON body", method, endpoint)
			}
			return resp.Body, nil

		case resp.StatusCode == http.StatusUnauthorized && !state.tokenRetried:
			l.Warn().Msg("musicapi: token rejected, refreshing and retrying once")
			c.tokens.ForceRefresh()
			state.tokenRetried = true

		case resp.StatusCode == http.StatusTooManyRequests && state.attempt < c.maxRetries:
			wait := state.backoff.NextBackOff()
			if retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				wait = retryAfter
			}

			l.Warn().
				Int("attempt", state.attempt+1).
				Int("max_retries", c.maxRetries).
				Dur("wait", wait).
				Msg("musicapi: rate limited, backing off")

			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			state.attempt++

		default:
			l.Info().Int("status", resp.StatusCode).Msg("musicapi: request failed")
			return nil, &APIError{
				Method:     method,
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Body:       string(resp.Body),
			}
		}
	}
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// send performs a single HTTP exchange with a current bearer token.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) (response, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return response{}, fmt.Errorf("could not obtain access token for %s %s: %w", method, endpoint, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return response{}, fmt.Errorf("could not create request for %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s %s failed: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	limit := int64(math.MaxInt64)
	if resp.StatusCode >= 300 {
		limit = maxErrorBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return response{}, fmt.Errorf("could not read response for %s %s: %w", method, endpoint, err)
	}

	return response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	ceiling := c.maxBackoff
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	b.Reset()
	return b
}

// parseRetryAfter reads a Retry-After header expressed in whole seconds.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
