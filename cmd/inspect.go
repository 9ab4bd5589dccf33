package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the effective configuration",
		Long: `Print the build description produced by merging the base configuration
with the profile of the selected mode, the environment and flags.

Examples:
  assetpipe inspect                # Production description
  assetpipe inspect --mode=dev     # Development description`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := opts.resolveMode(cmd)
			if err != nil {
				return err
			}
			desc, err := opts.loadDescription(mode, nil)
			if err != nil {
				return opts.fail(cmd, err)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(desc); err != nil {
				return err
			}

			return enc.Close()
		},
	}
}
