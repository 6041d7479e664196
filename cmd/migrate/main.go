package main

import (
	"flag"
	"os"

	"github.com/noah-isme/backend-poster/internal/config"
	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/repo"
)

func main() {
	down := flag.Bool("down", false, "roll back every migration instead of applying them")
	flag.Parse()

	logger := obs.NewLogger(os.Getenv("OBS_LOG_FORMAT"), os.Getenv("OBS_LOG_LEVEL")).With().Str("component", "migrate").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	if *down {
		if err := repo.MigrateDown(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("migrations rolled back")
		return
	}
	if err := repo.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrate up")
	}
	logger.Info().Msg("migrations applied")
}
