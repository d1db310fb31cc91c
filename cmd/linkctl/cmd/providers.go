package cmd

import (
	"github.com/spf13/cobra"

	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/federation"
)

func newProvidersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "providers",
		Short:   "List the configured providers",
		Aliases: []string{"provider"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			descs, err := opts.cfg.BuildDescriptors()
			if err != nil {
				return err
			}
			registry, err := federation.NewRegistry(descs...)
			if err != nil {
				return err
			}

			out := make([]domain.ProviderDescriptor, 0, len(descs))
			for _, id := range registry.Providers() {
				d, err := registry.Describe(id)
				if err != nil {
					return err
				}
				out = append(out, d)
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
}
