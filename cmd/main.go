package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/config"
	"github.com/akylbek/payment-system/marketplace-core/internal/repository"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

var Version = "dev"

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "marketplace-core",
		Short:   "Marketplace payments, refunds and referral tracking",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initDBCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the Postgres schema when it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(envFile)
			logger, err := telemetry.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := repository.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.InitDB(ctx, db); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			logger.Info("Database schema ready")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(envFile)

			tel, err := telemetry.Init("marketplace-core", Version, cfg.JaegerEndpoint)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
				}
			}()

			tel.Logger.Info("Starting marketplace core", zap.String("version", Version))
			return serve(cmd.Context(), cfg, tel)
		},
	}
}
