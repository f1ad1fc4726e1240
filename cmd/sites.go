package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/catalog"
)

// newSitesCmd creates the 'sites' subcommand, which prints the account's
// monitored sites as JSON.
func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Lists the sites on the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Config.RequireCredentials(); err != nil {
				return err
			}
			sess, err := newSession(app.Config, app.Logger)
			if err != nil {
				return err
			}
			sites, err := catalog.New(app.Config.Vendor.BaseURL, sess, app.Logger).ListSites(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sites: %w", err)
			}
			app.Logger.Info("listed sites", zap.Int("count", len(sites)))
			return encodeJSON(cmd.OutOrStdout(), sites)
		},
	}
}
