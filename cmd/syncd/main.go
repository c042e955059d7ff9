package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/file-connector/internal/app"
	"github.com/file-connector/internal/config"
	"github.com/file-connector/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "Background sync daemon for file connectors",
		Long: `Runs scheduled sync passes for every configured endpoint and serves
the operator API. This daemon should be run as a service.`,
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Hosting platforms assign the listener port
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	log := logger.New(cfg.LoggerConfig())
	log.Info().Msg("Starting sync daemon")

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}
	log.Info().Msg("Sync daemon started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-a.Errors():
	}

	// Passes finish on a fresh context; a second signal aborts the wait
	stop()
	shutdownCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
