// Package cmd provides the assetpipe command line.
//
// Configuration is read from .assetpipe.yml, located in order of precedence
// by the --config flag, the ASSETPIPE_CONFIG_FILE environment variable and
// the current directory. Scalar settings may be overridden by ASSETPIPE_*
// variables (ASSETPIPE_OUTPUT_PATH, ASSETPIPE_DEV_SERVER_PORT, ...) and by
// command flags, which win over the environment.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/assetpipe/internal/build"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/plugins/builtin"
)

// ConfigFileEnv names a configuration file when --config is not given.
const ConfigFileEnv = config.EnvPrefix + "_CONFIG_FILE"

type rootOptions struct {
	cfgFile   string
	mode      config.Mode
	logLevel  string
	logFormat string
	lang      string
}

// reportedError marks a failure already printed to the user.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		}
		return 1
	}

	return 0
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "assetpipe",
		Short: "Build and serve web assets",
		Long: `assetpipe resolves entry modules, runs per-file transform chains, splits the
module graph into chunks and writes content-hashed artifacts. In development
it serves the build from memory and pushes updates to the browser.

Quick Start:
  assetpipe build                 Production build into output.path
  assetpipe build --mode=dev      Development build with stable names
  assetpipe serve                 Development server with hot reload
  assetpipe inspect --mode=dev    Print the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is .assetpipe.yml, can also use "+ConfigFileEnv+")")
	flags.Var(&opts.mode, "mode", "build mode: dev or prod (default prod, can also use "+config.EnvPrefix+"_MODE)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&opts.lang, "lang", "", "message language (en, zh); defaults to $LANG")

	root.AddCommand(
		newBuildCmd(opts),
		newServeCmd(opts),
		newInspectCmd(opts),
		newVersionCmd(),
	)

	return root
}

// resolveMode applies ASSETPIPE_MODE when --mode was not given.
func (o *rootOptions) resolveMode(cmd *cobra.Command) (config.Mode, error) {
	if cmd.Flags().Changed("mode") {
		return o.mode, nil
	}
	if env, ok := os.LookupEnv(config.EnvPrefix + "_MODE"); ok {
		return config.ParseMode(env)
	}

	return config.ModeProduction, nil
}

// newViper locates the configuration file.
func (o *rootOptions) newViper() (*viper.Viper, error) {
	v := viper.New()
	switch {
	case o.cfgFile != "":
		v.SetConfigFile(o.cfgFile)
	case os.Getenv(ConfigFileEnv) != "":
		v.SetConfigFile(os.Getenv(ConfigFileEnv))
	default:
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".assetpipe")
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, perrors.NewConfigError(perrors.ErrCodeConfigNotFound, "read configuration file", err)
	}

	return v, nil
}

func (o *rootOptions) loadDescription(mode config.Mode, overrides map[string]any) (*config.BuildDescription, error) {
	v, err := o.newViper()
	if err != nil {
		return nil, err
	}

	return config.Load(v, config.LoadOptions{Mode: mode, Overrides: overrides})
}

func (o *rootOptions) newLogger(w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	if o.logFormat != "text" && o.logFormat != "json" {
		return nil, fmt.Errorf("unsupported log format: %s (supported: text, json)", o.logFormat)
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: o.logFormat,
		Output: w,
	}), nil
}

// fail prints the localized failure line and the error summary once.
func (o *rootOptions) fail(cmd *cobra.Command, err error) error {
	p := newPrinter(o.lang)
	w := cmd.ErrOrStderr()
	fmt.Fprintln(w, p.Sprintf(msgBuildFailed))
	fmt.Fprintln(w, perrors.Summarize(err))

	return &reportedError{err: err}
}

// newCompiler wires the compiler for desc with the built-in plugins.
func newCompiler(desc *config.BuildDescription, logger logging.Logger, write bool, metrics *build.BuildMetrics) (*build.Compiler, error) {
	pipeline, err := builtin.NewRegistry().Pipeline(desc.Plugins, logger)
	if err != nil {
		return nil, err
	}

	return build.NewCompiler(build.Options{
		Description: desc,
		Logger:      logger,
		Plugins:     pipeline,
		Metrics:     metrics,
		WriteOutput: write,
	})
}
