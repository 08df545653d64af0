// Package app builds the process-wide services once: the response caches,
// the token manager and the music API client.
package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/memorymix/memorymix-bridge/internal/cache"
	"github.com/memorymix/memorymix-bridge/internal/config"
	"github.com/memorymix/memorymix-bridge/internal/musicapi"
	"github.com/memorymix/memorymix-bridge/internal/token"
	"github.com/rs/zerolog/log"
)

// Cache names, also used as the cache.name metric attribute.
const (
	SearchCacheName = "search"
	TracksCacheName = "tracks"
	TokenCacheName  = "token"
)

// the token cache only ever holds one key
const tokenCacheSize = 16

type App struct {
	Search *cache.Cache[json.RawMessage]
	Tracks *cache.Cache[json.RawMessage]
	Token  *cache.Cache[string]

	Tokens *token.Manager
	Client *musicapi.Client
}

// New wires the services described by cfg. Outgoing requests, to both the
// token endpoint and the API, use httpClient.
func New(cfg config.Config, httpClient *http.Client) (*App, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	endpoint, err := newEndpoint(cfg.Spotify, httpClient)
	if err != nil {
		return nil, err
	}

	a := &App{
		Search: cache.New[json.RawMessage](SearchCacheName, cache.WithMaxSize(cfg.Cache.MaxSize)),
		Tracks: cache.New[json.RawMessage](TracksCacheName, cache.WithMaxSize(cfg.Cache.MaxSize)),
		Token:  cache.New[string](TokenCacheName, cache.WithMaxSize(tokenCacheSize)),
	}

	a.Tokens = token.NewManager(endpoint, a.Token,
		token.WithRefreshBuffer(cfg.Spotify.RefreshBuffer),
	)

	a.Client = musicapi.New(cfg.Spotify.APIURL, a.Tokens,
		musicapi.Caches{Search: a.Search, Tracks: a.Tracks},
		musicapi.WithHTTPClient(httpClient),
		musicapi.WithMaxRetries(cfg.Spotify.MaxRetries),
		musicapi.WithInitialBackoff(cfg.Spotify.InitialBackoff),
		musicapi.WithMaxBackoff(cfg.Spotify.MaxBackoff),
		musicapi.WithRateLimit(cfg.Spotify.RequestsPerSecond, 1),
		musicapi.WithTTLs(musicapi.TTLs{
			Search:  cfg.Cache.SearchTTL,
			Track:   cfg.Cache.TrackTTL,
			Default: cfg.Cache.DefaultTTL,
		}),
	)

	log.Info().
		Str("api", cfg.Spotify.APIURL).
		Str("token_mode", cfg.Spotify.TokenMode).
		Msg("app: services configured")

	return a, nil
}

func newEndpoint(cfg config.SpotifyConfig, httpClient *http.Client) (token.Endpoint, error) {
	switch cfg.TokenMode {
	case config.TokenModeBackend:
		return &token.BackendEndpoint{
			URL:        cfg.BackendTokenURL,
			Credential: token.StaticCredential(cfg.SessionToken),
			Client:     httpClient,
		}, nil
	case config.TokenModeRefresh:
		return token.NewRefreshEndpoint(cfg.ClientID, cfg.ClientSecret, cfg.RefreshToken, cfg.TokenURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported token mode %q", cfg.TokenMode)
	}
}

// Status is the monitoring view served by the stats route.
type Status struct {
	Caches []cache.Stats `json:"caches"`
	Token  token.Status  `json:"token"`
}

func (a *App) Status() Status {
	return Status{
		Caches: []cache.Stats{a.Search.Stats(), a.Tracks.Stats(), a.Token.Stats()},
		Token:  a.Tokens.Status(),
	}
}

// Logout forgets the current token and every cached response.
func (a *App) Logout() {
	a.Tokens.Clear()
	a.Client.InvalidateCaches()
}

// Close releases cached state at exit.
func (a *App) Close() {
	a.Logout()
	log.Info().Msg("app: closed")
}
