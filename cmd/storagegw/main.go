// Command storagegw runs the storage-role control plane: it consumes
// every durable subject from the bus and batches records into
// ClickHouse, serving /health and /metrics alongside.
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
		Use:   "storagegw",
		Short: "Storage consumer that batches bus records into ClickHouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, grace)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "configs/storagegw.yaml", "path to the storage config file")
	root.Flags().DurationVar(&grace, "grace", 15*time.Second, "flush grace period on shutdown")

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

	plane := control.NewPlane(control.RoleStorage, cfg, logger)
	if err := plane.Start(context.Background()); err != nil {
		return fmt.Errorf("start storage plane: %w", err)
	}
	logger.Info().Str("config", cfgPath).Msg("storagegw started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Dur("grace", grace).Msg("storagegw shutting down")
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
