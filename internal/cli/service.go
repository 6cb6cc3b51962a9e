package cli

import (
	"errors"
	"io"

	"github.com/fdm-monster/fdm-connector/internal/connector"
	"github.com/fdm-monster/fdm-connector/internal/daemon"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServiceCommand creates the service command group.
func NewServiceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the connector as an OS service",
		Long: `Install and control the connector under the platform service manager
(systemd, launchd or the Windows service control manager). The installed
service runs "hubconnector service run" with the current --config path.`,
	}

	for _, action := range service.ControlAction {
		cmd.AddCommand(&cobra.Command{
			Use:           action,
			Short:         "Service " + action,
			Args:          cobra.NoArgs,
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(rootOpts, cmd, action)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "status",
		Short:         "Show whether the service is installed and running",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceStatus(rootOpts, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "run",
		Short:         "Run under the service manager (used by the installed unit)",
		Args:          cobra.NoArgs,
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(rootOpts)
		},
	})

	return cmd
}

func newService(opts *RootOptions, logger *zap.Logger) (service.Service, error) {
	prg := daemon.NewProgram(func() (*connector.Connector, error) {
		return connector.New(connector.Options{SettingsPath: opts.ConfigPath, Lookup: opts.Lookup}, logger)
	}, logger)
	svc, err := daemon.New(prg, daemon.Config(opts.ConfigPath))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot reach service manager", err)
	}
	return svc, nil
}

type serviceResult struct {
	Service string `json:"service"`
	Action  string `json:"action,omitempty"`
	Status  string `json:"status,omitempty"`
}

func runServiceControl(opts *RootOptions, cmd *cobra.Command, action string) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	svc, err := newService(opts, logger)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	result := serviceResult{Service: daemon.ServiceName, Action: action}
	if err := daemon.Control(svc, action); err != nil {
		return f.Failure(ExitFailure, err.Error(), result)
	}
	return f.Success(result, func(w io.Writer) {
		fprintf(w, "%s: %s ok\n", daemon.ServiceName, action)
	})
}

func runServiceStatus(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	svc, err := newService(opts, logger)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	status, err := svc.Status()
	if err != nil && !errors.Is(err, service.ErrNotInstalled) {
		return f.Failure(ExitFailure, err.Error(), serviceResult{Service: daemon.ServiceName})
	}
	result := serviceResult{Service: daemon.ServiceName, Status: daemon.StatusText(status)}
	return f.Success(result, func(w io.Writer) {
		fprintf(w, "%s: %s\n", result.Service, result.Status)
	})
}

func runService(opts *RootOptions) error {
	logger, err := opts.logger(true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	svc, err := newService(opts, logger)
	if err != nil {
		return err
	}

	// Interactive sessions also stop on SIGINT or SIGTERM
	return svc.Run()
}
