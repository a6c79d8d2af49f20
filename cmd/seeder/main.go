// Command seeder loads accounts from a TOML file into the configured store.
//
// Every user gets a plan grant keyed by its seed key, so running the seeder
// twice leaves balances untouched.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kelpejol/creditgate/internal/app"
	"github.com/kelpejol/creditgate/internal/config"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	os.Exit(run(os.Args[1:], log.Logger))
}

// run seeds the store and returns the process exit code. Deferred cleanup
// runs before the caller exits.
func run(args []string, logger zerolog.Logger) int {
	fs := flag.NewFlagSet("seeder", flag.ContinueOnError)
	path := fs.String("file", "cmd/seeder/seed.toml", "seed file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	seed, err := LoadSeed(*path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read seed file")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return 1
	}
	a.Tasks.Start()
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}()

	written, err := Apply(ctx, a.Ledger, seed, logger)
	if err != nil {
		logger.Error().Err(err).Msg("seeding failed")
		return 1
	}
	logger.Info().Int("users", len(seed.Users)).Int("written", written).Msg("seeding complete")
	return 0
}
