package cli

import (
	"io"

	"github.com/fdm-monster/fdm-connector/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print settings.yaml with environment overrides applied",
		Long: `Print the settings the connector would use: settings.yaml merged with
environment overrides. The client secret is redacted. Always prints YAML.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(rootOpts, cmd)
		},
	}

	check := &cobra.Command{
		Use:           "check",
		Short:         "Validate the effective settings and list every problem",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(rootOpts, cmd)
		},
	}

	cmd.AddCommand(show, check)
	return cmd
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	store, err := opts.settingsStore(logger)
	if err != nil {
		return err
	}

	current := store.Current()
	if current.OIDCClientSecret != "" {
		current.OIDCClientSecret = redacted
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(current); err != nil {
		return WrapExitError(ExitCommandError, "cannot encode settings", err)
	}
	return enc.Close()
}

type checkResult struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

func runConfigCheck(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	store, err := opts.settingsStore(logger)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	result := checkResult{Path: store.Path(), Valid: true}
	if _, envErr := config.ApplyEnv(store.File(), opts.Lookup); envErr != nil {
		for _, e := range multierr.Errors(envErr) {
			result.Problems = append(result.Problems, e.Error())
		}
	}
	if verr := store.Current().Validate(); verr != nil {
		for _, e := range multierr.Errors(verr) {
			result.Problems = append(result.Problems, e.Error())
		}
	}

	if len(result.Problems) > 0 {
		result.Valid = false
		if f.Format != "json" {
			for _, p := range result.Problems {
				fprintf(f.Writer, "  - %s\n", p)
			}
		}
		return f.Failure(ExitFailure, "settings are not valid", result)
	}
	return f.Success(result, func(w io.Writer) {
		fprintf(w, "%s: ok\n", result.Path)
	})
}
