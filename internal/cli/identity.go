package cli

import (
	"io"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/identity"

	"github.com/spf13/cobra"
)

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect the persisted device identity",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the persistence id and cached token metadata",
		Long: `Print the persistence id and metadata about the cached token. The
token itself is never printed. A missing or unreadable data file is
regenerated, as it would be on start.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityShow(rootOpts, cmd)
		},
	}

	cmd.AddCommand(show)
	return cmd
}

type identityView struct {
	DataFile      string     `json:"dataFile"`
	PersistenceID string     `json:"persistenceId"`
	HasToken      bool       `json:"hasToken"`
	TokenLength   int        `json:"tokenLength"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	TokenType     string     `json:"tokenType,omitempty"`
	Scope         string     `json:"scope,omitempty"`
}

func runIdentityShow(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	store, err := opts.settingsStore(logger)
	if err != nil {
		return err
	}

	files := identity.NewFileStore(store.Current().ResolvedDataDir(), logger)
	rec, err := files.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot load identity", err)
	}

	view := identityView{
		DataFile:      files.Path(),
		PersistenceID: rec.PersistenceID,
		HasToken:      rec.HasToken(),
		TokenLength:   len(rec.Token()),
	}
	if rec.RequestedAt != nil && rec.ExpiresIn != nil {
		at := time.Unix(*rec.RequestedAt+*rec.ExpiresIn, 0).UTC()
		view.ExpiresAt = &at
	}
	if rec.TokenType != nil {
		view.TokenType = *rec.TokenType
	}
	if rec.Scope != nil {
		view.Scope = *rec.Scope
	}

	return opts.formatter(cmd).Success(view, func(w io.Writer) {
		fprintf(w, "data file:      %s\n", view.DataFile)
		fprintf(w, "persistence id: %s\n", view.PersistenceID)
		if !view.HasToken {
			fprintf(w, "token:          none\n")
			return
		}
		fprintf(w, "token:          %d chars\n", view.TokenLength)
		if view.ExpiresAt != nil {
			fprintf(w, "expires at:     %s\n", view.ExpiresAt.Format(time.RFC3339))
		}
		if view.TokenType != "" {
			fprintf(w, "token type:     %s\n", view.TokenType)
		}
		if view.Scope != "" {
			fprintf(w, "scope:          %s\n", view.Scope)
		}
	})
}

// NewBackupExcludesCommand creates the backup-excludes command.
func NewBackupExcludesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup-excludes",
		Short: "List data files that host backups must skip",
		Long: `List the files inside the data directory that a host backup must leave
out, so a restored installation registers as a new device.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			excluded := []string{identity.DataFileName}
			return rootOpts.formatter(cmd).Success(excluded, func(w io.Writer) {
				for _, name := range excluded {
					fprintf(w, "%s\n", name)
				}
			})
		},
	}
}
