package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
	"github.com/JakeFAU/worldbank-country-cache/internal/server"
)

// newFetchCmd streams one country fetch to stdout in the same NDJSON shape
// as GET /selected-country/{code}.
func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <country>",
		Short: "Fetch and cache one country, streaming progress as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, app *server.App) error {
				return fetchCountry(ctx, app, progress.NewStream(cmd.OutOrStdout()), args[0])
			})
		},
	}
}

func fetchCountry(ctx context.Context, app *server.App, stream *progress.Stream, nameOrCode string) error {
	res, err := app.Gateway().GetOrFetch(ctx, nameOrCode)
	if errors.Is(err, country.ErrCountryNotFound) {
		_ = stream.Error("Country not found")
		return err
	}
	if err != nil {
		return fmt.Errorf("start fetch: %w", err)
	}
	if err := stream.Selected(res.Country); err != nil {
		return err
	}
	if res.Cached {
		if err := stream.Status("Data loaded from cache"); err != nil {
			return err
		}
		return stream.Data(res.Record)
	}

	if err := stream.Status("Starting data fetch"); err != nil {
		return err
	}
	if err := stream.Pipe(ctx, res.Fetch.Events()); err != nil {
		return err
	}
	rec, persisted, err := res.Fetch.Wait(ctx)
	if err != nil {
		_ = stream.Error("Failed to save data")
		return fmt.Errorf("persist record: %w", err)
	}
	status := "No data fetched; not cached"
	if persisted {
		status = "Data saved to cache"
	}
	if err := stream.Status(status); err != nil {
		return err
	}
	return stream.Data(rec)
}
