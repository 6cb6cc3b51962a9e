// Package cli implements the hubconnector command tree.
package cli

import (
	"fmt"

	"github.com/fdm-monster/fdm-connector/internal/config"
	"github.com/fdm-monster/fdm-connector/internal/connector"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// Lookup overrides environment access (for testing)
	Lookup config.LookupFunc
	// Logger overrides logger construction (for testing)
	Logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hubconnector",
		Short: "Hub Connector - announce this printer host to its hub",
		Long: `Keeps a client-credentials token for the hub and announces this
printer host's identity to it on a fixed interval.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath(), "path to settings.yaml")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewProbeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewBackupExcludesCommand(opts))
	cmd.AddCommand(NewServiceCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// logger returns the injected logger or builds one. Long-running commands log
// at info; one-shot commands stay quiet unless --verbose is set.
func (o *RootOptions) logger(longRunning bool) (*zap.Logger, error) {
	if o.Logger != nil {
		return o.Logger, nil
	}
	if o.Verbose {
		return zap.NewDevelopment()
	}
	if longRunning {
		return zap.NewProduction()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func (o *RootOptions) settingsStore(logger *zap.Logger) (*config.Store, error) {
	store := config.NewStore(o.ConfigPath, o.Lookup, logger)
	if err := store.Load(); err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot load settings", err)
	}
	return store, nil
}

func (o *RootOptions) connector(logger *zap.Logger) (*connector.Connector, error) {
	conn, err := connector.New(connector.Options{
		SettingsPath: o.ConfigPath,
		Lookup:       o.Lookup,
	}, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot initialize connector", err)
	}
	return conn, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
