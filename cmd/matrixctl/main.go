package main

import (
	"os"

	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env is optional; it may set MATRIXCTL_LOG_* before logging is configured
	_ = godotenv.Load()
	observability.InitLogger("matrixctl")

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("matrixctl failed")
		os.Exit(1)
	}
}
