package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/pgmultibackup/internal/config"
	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newParser returns a parser bound to the request flags of cmd.
func newParser(cmd *cobra.Command) (*config.Parser, error) {
	parser := config.NewParser()
	if err := parser.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return parser, nil
}

// loadConfig merges the config file, environment and flags into a validated configuration.
func loadConfig(cmd *cobra.Command) (*models.AppConfig, error) {
	parser, err := newParser(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := parser.Load(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
