package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/worldbank-country-cache/internal/server"
)

func newCountriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "countries [query]",
		Short: "List catalog countries, optionally filtered by name or code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, app *server.App) error {
				list, err := app.Catalog().Search(ctx, strings.Join(args, ""))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, c := range list {
					fmt.Fprintf(tw, "%s\t%s\n", c.Code, c.Name)
				}
				return tw.Flush()
			})
		},
	}
}

func newDownloadedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "downloaded",
		Short: "List cached country records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, app *server.App) error {
				list, err := app.Gateway().List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, s := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Code, s.Name, s.FetchedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <code>...",
		Short: "Delete cached records so the next request refetches them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, app *server.App) error {
				deleted, err := app.Gateway().Reset(ctx, args)
				if err != nil {
					return err
				}
				for _, code := range deleted {
					fmt.Fprintln(cmd.OutOrStdout(), code)
				}
				return nil
			})
		},
	}
}
