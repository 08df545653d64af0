// This command is only used for local testing: it resolves a track through
// the same token manager, caches and API client as the server, using the
// server's environment configuration, and prints the match as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/memorymix/memorymix-bridge/internal/app"
	"github.com/memorymix/memorymix-bridge/internal/config"
	"github.com/memorymix/memorymix-bridge/internal/musicapi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Track  string `env:"UTIL_TRACK, required"`
	Artist string `env:"UTIL_ARTIST, required"`
	Debug  bool   `env:"UTIL_DEBUG, default=false"`
}

func main() {
	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.WarnLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	match, err := lookup(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(match); err != nil {
		fmt.Fprintf(os.Stderr, "error writing result: %v\n", err)
		os.Exit(1)
	}
}

func lookup(ctx context.Context, cfg Config) (musicapi.TrackMatch, error) {
	serviceCfg, err := config.Load(ctx)
	if err != nil {
		return musicapi.TrackMatch{}, fmt.Errorf("service configuration: %w", err)
	}

	services, err := app.New(serviceCfg, nil)
	if err != nil {
		return musicapi.TrackMatch{}, err
	}
	defer services.Close()

	return services.Client.SearchTrack(ctx, cfg.Track, cfg.Artist)
}
