// README: Entry point; loads config, wires services, serves HTTP and websockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/infra"
)

func main() {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "courier-api",
		Short:         "Delivery dispatch and live tracking API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "config file or directory containing config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})

	var migrationPath string
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath, migrationPath)
		},
	}
	migrate.Flags().StringVar(&migrationPath, "file", filepath.Join("migrations", "0001_init.sql"), "migration file")
	root.AddCommand(migrate)

	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := infra.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	logger.Info().
		Str("store", cfg.Store.Driver).
		Bool("dispatch_records", cfg.Redis.Addr != "").
		Bool("mqtt", cfg.MQTT.Broker != "").
		Msg("courier-api starting")
	return a.Run(ctx)
}

func runMigrate(ctx context.Context, configPath, path string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := infra.NewLogger(cfg.Log)

	db, err := infra.NewDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := infra.ApplyMigration(ctx, db, path); err != nil {
		return err
	}
	logger.Info().Str("file", path).Msg("migration applied")
	return nil
}
