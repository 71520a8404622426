package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/sensorhub/services/sensorhub/hubinit"
)

func main() {
	// --- 1. Load Configuration ---
	cfg, err := hubinit.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// --- 2. Set up Logger ---
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Invalid log level, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Info().Msg("Logger configured.")

	// --- 3. Build the hub ---
	ctx := context.Background()
	svc, err := hubinit.NewService(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sensor hub")
	}

	// --- 4. Run until signalled ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Sensor hub failed to start")
		shutdown(svc)
		os.Exit(1)
	}

	select {
	case <-stop:
		log.Warn().Msg("Shutdown signal received")
	case err := <-svc.Done():
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdown(svc)
	log.Info().Msg("Server shut down gracefully.")
}

func shutdown(svc *hubinit.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	svc.Shutdown(ctx)
}
