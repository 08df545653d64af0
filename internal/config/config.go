package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Cache   CacheConfig
	Observe ObserveConfig
	Server  ServerConfig
	Spotify SpotifyConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// Token modes supported by SpotifyConfig.TokenMode.
const (
	TokenModeBackend = "backend"
	TokenModeRefresh = "refresh"
)

// SpotifyConfig describes the upstream music API and how bearer tokens are
// obtained for it.
type SpotifyConfig struct {
	APIURL string `env:"SPOTIFY_API_URL, default=https://api.spotify.com/v1"`

	// TokenMode selects the token endpoint: "backend" asks the application
	// backend for a playback token, "refresh" runs the refresh-token grant
	// directly against the provider.
	TokenMode string `env:"SPOTIFY_TOKEN_MODE, default=backend"`

	BackendTokenURL string `env:"SPOTIFY_BACKEND_TOKEN_URL, default=http://127.0.0.1:8000/spotify/token"`
	SessionToken    string `env:"SPOTIFY_SESSION_TOKEN"`

	ClientID     string `env:"SPOTIFY_CLIENT_ID"`
	ClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`
	RefreshToken string `env:"SPOTIFY_REFRESH_TOKEN"`
	TokenURL     string // internal only

	RefreshBuffer     time.Duration `env:"SPOTIFY_TOKEN_REFRESH_BUFFER, default=5m"`
	MaxRetries        int           `env:"SPOTIFY_MAX_RETRIES, default=4"`
	InitialBackoff    time.Duration `env:"SPOTIFY_INITIAL_BACKOFF, default=1s"`
	MaxBackoff        time.Duration `env:"SPOTIFY_MAX_BACKOFF, default=0s"`
	RequestsPerSecond float64       `env:"SPOTIFY_REQUESTS_PER_SECOND, default=0"`
}

// CacheConfig specifies the response cache TTLs and bounds.
type CacheConfig struct {
	SearchTTL  time.Duration `env:"CACHE_SEARCH_TTL, default=15m"`
	TrackTTL   time.Duration `env:"CACHE_TRACK_TTL, default=1h"`
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL, default=5m"`

	// MaxSize bounds the number of entries held by each cache instance.
	MaxSize int `env:"CACHE_MAX_SIZE, default=10000"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=memorymix-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Spotify.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid spotify configuration: %w", err)
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the token mode has what it needs and that the retry
// policy is usable.
func (c *SpotifyConfig) Validate() error {
	switch c.TokenMode {
	case TokenModeBackend:
		if c.BackendTokenURL == "" {
			return fmt.Errorf("SPOTIFY_BACKEND_TOKEN_URL required when SPOTIFY_TOKEN_MODE=backend")
		}
	case TokenModeRefresh:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET required when SPOTIFY_TOKEN_MODE=refresh")
		}
		if c.RefreshToken == "" {
			return fmt.Errorf("SPOTIFY_REFRESH_TOKEN required when SPOTIFY_TOKEN_MODE=refresh")
		}
	default:
		return fmt.Errorf("invalid token mode %q: must be either \"backend\" or \"refresh\"", c.TokenMode)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("SPOTIFY_MAX_RETRIES must not be negative")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("SPOTIFY_INITIAL_BACKOFF must be positive")
	}
	if c.RefreshBuffer < 0 {
		return fmt.Errorf("SPOTIFY_TOKEN_REFRESH_BUFFER must not be negative")
	}

	return nil
}

// Validate checks that every cache TTL is positive.
func (c *CacheConfig) Validate() error {
	if c.SearchTTL <= 0 || c.TrackTTL <= 0 || c.DefaultTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("CACHE_MAX_SIZE must be positive")
	}
	return nil
}
