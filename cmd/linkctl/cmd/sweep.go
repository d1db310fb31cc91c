package cmd

import (
	"github.com/spf13/cobra"

	"go.pilab.hu/oauthlink/internal/federation"
	"go.pilab.hu/oauthlink/internal/server"
)

func scopeFlags(cmd *cobra.Command, scope *federation.SweepScope) {
	cmd.Flags().StringVarP(&scope.WorkspaceID, "workspace", "w", "", "workspace id (either --workspace or --user is required)")
	cmd.Flags().StringVarP(&scope.UserID, "user", "u", "", "limit to one user's accounts")
}

func newSweepCmd(opts *options) *cobra.Command {
	var scope federation.SweepScope
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refresh expiring tokens and report account health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(app *server.App) error {
				report, err := app.Sweeper.Validate(cmd.Context(), scope)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), report)
			})
		},
	}
	scopeFlags(cmd, &scope)
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var scope federation.SweepScope
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report account health without contacting providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(app *server.App) error {
				report, err := app.Sweeper.Status(cmd.Context(), scope)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), report)
			})
		},
	}
	scopeFlags(cmd, &scope)
	return cmd
}
