package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"go.pilab.hu/oauthlink/internal/federation"
	"go.pilab.hu/oauthlink/internal/server"
)

type authorizeURLOutput struct {
	URL         string `json:"url" yaml:"url"`
	RedirectURI string `json:"redirect_uri" yaml:"redirect_uri"`
	ExpiresAt   string `json:"state_expires_at" yaml:"state_expires_at"`
}

func newAuthorizeURLCmd(opts *options) *cobra.Command {
	var req federation.AuthorizeRequest

	cmd := &cobra.Command{
		Use:   "authorize-url",
		Short: "Print a provider authorization URL for a workspace user",
		Long:  `Builds the same URL the connect endpoint redirects to. Open it in a browser to connect an account; the callback lands on the running server.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.ProviderID == "" {
				return errors.New("provider is required via --provider flag")
			}
			return opts.withApp(cmd, func(app *server.App) error {
				res, err := app.Service.AuthorizationURL(cmd.Context(), req)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), authorizeURLOutput{
					URL:         res.URL,
					RedirectURI: res.RedirectURI,
					ExpiresAt:   res.Request.IssuedAt.Add(opts.cfg.StateTTL).UTC().Format(time.RFC3339),
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.ProviderID, "provider", "p", "", "provider id")
	f.StringVarP(&req.WorkspaceID, "workspace", "w", "", "workspace id")
	f.StringVarP(&req.UserID, "user", "u", "", "user id")
	f.StringSliceVar(&req.Scopes, "scopes", nil, "additional scopes")
	f.StringSliceVar(&req.Capabilities, "capabilities", nil, "capabilities to request scopes for")
	f.StringVar(&req.ConfigurationID, "config-id", "", "provider configuration id")
	f.StringVar(&req.RedirectPath, "redirect-path", "", "allowed alternate callback path")
	f.StringVar(&req.CallerState, "state", "", "opaque state echoed back after the callback")
	return cmd
}
