package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/conneroisu/assetpipe/internal/build"
	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the development server with hot reload",
		Long: `Build in development mode and serve the artifacts from memory. Source
changes trigger an incremental rebuild; connected browsers receive the list
of updated chunks, or the error when the rebuild fails while the last good
build keeps being served.

Examples:
  assetpipe serve                  # Serve on dev_server.host:dev_server.port
  assetpipe serve --port 3000      # Override the port`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("host") {
				overrides["dev_server.host"] = host
			}
			if cmd.Flags().Changed("port") {
				overrides["dev_server.port"] = port
			}
			return runServe(cmd, opts, overrides)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "host to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to serve on")

	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions, overrides map[string]any) error {
	logger, err := opts.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	desc, err := opts.loadDescription(config.ModeDevelopment, overrides)
	if err != nil {
		return opts.fail(cmd, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := build.NewBuildMetrics(registry)

	compiler, err := newCompiler(desc, logger, false, metrics)
	if err != nil {
		return opts.fail(cmd, err)
	}
	srv, err := server.New(desc, compiler, server.Options{
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
	})
	if err != nil {
		return opts.fail(cmd, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(opts.lang)
	fmt.Fprintln(cmd.OutOrStdout(), p.Sprintf(msgServing, srv.URL()))
	if err := srv.ListenAndServe(ctx); err != nil {
		return opts.fail(cmd, err)
	}

	return nil
}
