package cli

import (
	"context"
	"io"

	"github.com/fdm-monster/fdm-connector/internal/clock"
	"github.com/fdm-monster/fdm-connector/internal/hub"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ProbeOptions holds flags for the probe commands.
type ProbeOptions struct {
	*RootOptions
	ClientID     string
	ClientSecret string
}

// NewProbeCommand creates the probe command group.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check a hub URL or client credentials without touching saved state",
	}

	version := &cobra.Command{
		Use:           "version <url>",
		Short:         "Fetch the hub version from <url>/api/version",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbeVersion(opts, args[0], cmd)
		},
	}

	openid := &cobra.Command{
		Use:   "openid <url>",
		Short: "Request a token from <url> with the given client credentials",
		Long: `Request a client-credentials token and report the state it leads to:
success, retry (hub unreachable) or crashed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbeOpenID(opts, args[0], cmd)
		},
	}
	openid.Flags().StringVar(&opts.ClientID, "client-id", "", "OAuth client id (required)")
	openid.Flags().StringVar(&opts.ClientSecret, "client-secret", "", "OAuth client secret (required)")
	_ = openid.MarkFlagRequired("client-id")
	_ = openid.MarkFlagRequired("client-secret")

	cmd.AddCommand(version, openid)
	return cmd
}

func newProbe(opts *ProbeOptions, logger *zap.Logger) (*hub.Probe, error) {
	store, err := opts.settingsStore(logger)
	if err != nil {
		return nil, err
	}
	timeout := store.Current().Timeout()

	tokenClient, err := hub.NewHTTPClient(hub.ClientOptions{Timeout: timeout, InsecureSkipVerify: true})
	if err != nil {
		return nil, err
	}
	hubClient, err := hub.NewHTTPClient(hub.ClientOptions{Timeout: timeout, FollowRedirects: true})
	if err != nil {
		return nil, err
	}
	broker := hub.NewTokenBroker(tokenClient, clock.NewRealClock(), logger)
	return hub.NewProbe(hubClient, broker, logger), nil
}

type versionResult struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

func runProbeVersion(opts *ProbeOptions, url string, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	probe, err := newProbe(opts, logger)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	version, err := probe.Version(commandContext(cmd), url)
	if err != nil {
		return f.Failure(ExitFailure, err.Error(), versionResult{URL: url})
	}
	result := versionResult{URL: url, Version: version}
	return f.Success(result, func(w io.Writer) { fprintf(w, "%s\n", version) })
}

type openIDResult struct {
	URL   string          `json:"url"`
	State lifecycle.State `json:"state"`
}

func runProbeOpenID(opts *ProbeOptions, url string, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	probe, err := newProbe(opts, logger)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	state := probe.OpenID(commandContext(cmd), url, opts.ClientID, opts.ClientSecret)
	result := openIDResult{URL: url, State: state}
	if state != lifecycle.Success {
		return f.Failure(ExitFailure, "token request ended in state "+state.String(), result)
	}
	return f.Success(result, func(w io.Writer) { fprintf(w, "%s\n", state) })
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
