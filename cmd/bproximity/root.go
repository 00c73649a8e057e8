package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/bproximity/config"
	"github.com/user/bproximity/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"

	// File is the loaded configuration, set before any subcommand runs.
	File *config.File
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the bproximity CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bproximity",
		Short: "Anonymous BLE proximity identifier exchange",
		Long: "bproximity advertises a rotating anonymous identifier over Bluetooth LE, " +
			"exchanges it with nearby devices running the same service, and keeps " +
			"the identifiers it has seen for a limited time.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			f, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if opts.LogLevel != "" {
				f.LogLevel = opts.LogLevel
				if err := f.Validate(); err != nil {
					return WrapExitError(ExitCommandError, "invalid --log-level", err)
				}
			}
			opts.File = f

			// logs go to stderr so json output stays parseable
			logger.SetOutput(cmd.ErrOrStderr())
			f.ApplyLogging()
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error), overrides config")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewIDsCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}
