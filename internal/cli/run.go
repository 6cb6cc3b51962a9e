package cli

import (
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/coordinator"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the connector in the foreground",
		Long: `Start the tick scheduler and the local API, and keep announcing to the
hub until interrupted (SIGINT or SIGTERM).

Example:
  hubconnector run --config ./settings.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(rootOpts, cmd)
		},
	}
}

func runForeground(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := opts.connector(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Application running. Press Ctrl+C to exit.")
	return conn.Run(ctx)
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single token check and announcement",
		Long: `Run one tick exactly as the scheduler would and print its report.
Exits non-zero when the tick ends in any state other than sleep.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(rootOpts, cmd)
		},
	}
}

func runTick(opts *RootOptions, cmd *cobra.Command) error {
	logger, err := opts.logger(false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := opts.connector(logger)
	if err != nil {
		return err
	}

	report, err := conn.TickOnce(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot apply startup defaults", err)
	}

	f := opts.formatter(cmd)
	if report.State != lifecycle.Sleep {
		logger.Debug("Tick did not reach sleep", zap.Stringer("state", report.State))
		return f.Failure(ExitFailure, "tick ended in state "+report.State.String()+errorSuffix(report), report)
	}
	return f.Success(report, func(w io.Writer) { printReport(w, report) })
}

func errorSuffix(r coordinator.TickReport) string {
	if r.Error == "" {
		return ""
	}
	return ": " + r.Error
}

func printReport(w io.Writer, r coordinator.TickReport) {
	fprintf(w, "state:           %s\n", r.State)
	fprintf(w, "token refreshed: %t\n", r.TokenRefreshed)
	fprintf(w, "announce status: %d\n", r.AnnounceStatus)
	fprintf(w, "took:            %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}
