// Package cmd defines the countrycache CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/worldbank-country-cache/internal/config"
	"github.com/JakeFAU/worldbank-country-cache/internal/server"
)

type cfgKeyType string

const cfgKey cfgKeyType = "config"

// closeTimeout bounds the drain after one-shot commands.
const closeTimeout = 30 * time.Second

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "countrycache",
		Short: "Caches World Bank country data behind a streaming HTTP API.",
		Long: `countrycache fetches every published data set for a country from the
World Bank APIs in parallel, streams progress as NDJSON, and caches the
assembled record in the configured storage backend.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env COUNTRYCACHE_* overrides apply)")

	cmd.AddCommand(
		newServeCmd(),
		newFetchCmd(),
		newCountriesCmd(),
		newDownloadedCmd(),
		newResetCmd(),
	)
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg, nil
}

// runWithApp builds a short-lived App, runs fn, then drains pending writes.
// One-shot commands do not expose metrics, so they get a private registry.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, app *server.App) error) (err error) {
	ctx := cmd.Context()
	cfg, err := configFrom(ctx)
	if err != nil {
		return err
	}
	app, err := server.Build(ctx, cfg, server.Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, app)
}
