// Command ingestd runs the ingest-role control plane: one process per
// deployment that dials every enabled venue, normalizes and publishes
// their data onto the bus, and serves /health and /metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marketdata-platform/ingest/internal/config"
	"github.com/marketdata-platform/ingest/internal/control"
)

func main() {
	var cfgPath string
	var grace time.Duration

	root := &cobra.Command{
		Use:   "ingestd",
		Short: "Exchange session manager, normalizer, and publisher for the market data platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, grace)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "configs/ingestd.yaml", "path to the ingest config file")
	root.Flags().DurationVar(&grace, "grace", 10*time.Second, "drain grace period on shutdown")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string, grace time.Duration) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	plane := control.NewPlane(control.RoleIngest, cfg, logger)
	if err := plane.Start(context.Background()); err != nil {
		return fmt.Errorf("start ingest plane: %w", err)
	}
	logger.Info().Str("config", cfgPath).Msg("ingestd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Dur("grace", grace).Msg("ingestd shutting down")
	return plane.Stop(grace)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
