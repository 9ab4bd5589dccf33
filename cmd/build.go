package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "build",
		Aliases: []string{"b"},
		Short:   "Build all entries into the output directory",
		Long: `Run the whole pipeline once and write the artifact set to output.path.

The previous output is replaced only after every artifact has been written,
so a failed build leaves the last complete build in place.

Examples:
  assetpipe build                  # Production build
  assetpipe build --mode=dev       # Development build with stable names
  assetpipe build --output public  # Override output.path`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, opts, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (overrides output.path)")

	return cmd
}

func runBuild(cmd *cobra.Command, opts *rootOptions, output string) error {
	logger, err := opts.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	mode, err := opts.resolveMode(cmd)
	if err != nil {
		return err
	}

	overrides := map[string]any{}
	if output != "" {
		overrides["output.path"] = output
	}
	desc, err := opts.loadDescription(mode, overrides)
	if err != nil {
		return opts.fail(cmd, err)
	}

	compiler, err := newCompiler(desc, logger, true, nil)
	if err != nil {
		return opts.fail(cmd, err)
	}

	result, err := compiler.Run(cmd.Context())
	if err != nil {
		return opts.fail(cmd, err)
	}

	p := newPrinter(opts.lang)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n",
		p.Sprintf(msgBuildSucceeded),
		p.Sprintf(msgBuildSummary, len(result.Artifacts), result.Duration.Round(time.Millisecond)),
	)

	return nil
}
