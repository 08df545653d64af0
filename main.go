package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/memorymix/memorymix-bridge/internal/app"
	"github.com/memorymix/memorymix-bridge/internal/audit"
	"github.com/memorymix/memorymix-bridge/internal/config"
	"github.com/memorymix/memorymix-bridge/internal/observe"
	"github.com/memorymix/memorymix-bridge/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(a *app.App) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	route := func(pattern string, handler http.Handler) {
		chain := alice.New(requestLimiter, requestLogger(observe.TrimMethod(pattern)), audit.Middleware())
		mux.Handle(pattern, chain.Then(handler))
	}

	route("GET /spotify/search", handleSearch(a.Client))
	route("GET /spotify/tracks/{id}", handleTrack(a.Client))

	route("PUT /spotify/player/play", handlePlay(a.Client))
	route("PUT /spotify/player/pause", handlePause(a.Client))
	route("PUT /spotify/player/transfer", handleTransfer(a.Client))

	route("POST /spotify/cache/invalidate", handleInvalidateCaches(a.Client))
	route("GET /spotify/cache/stats", handleCacheStats(a))
	route("POST /spotify/logout", handleLogout(a))

	// healthchecks are not included in telemetry
	mux.Untraced("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// setup the token manager, caches and API client once for the process
	services, err := app.New(cfg, http.DefaultClient)
	if err != nil {
		return fmt.Errorf("service configuration failed: %w", err)
	}

	handler := configureServerRoutes(services)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	// hooks run last-added first: services close before telemetry flushes
	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)
	hooks.AddClose("services", services)

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.Serve(ctx, srv, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
