package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// RetryResult reports how many terminal actions were requeued.
type RetryResult struct {
	Requeued int `json:"requeued"`
	Synced   int `json:"synced"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Requeue terminally failed actions",
		Long: `Reset terminally failed actions back to pending with a fresh retry
budget. With --drain the requeued actions are synced immediately, which
requires remote.dsn to be configured.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetryFailed(rootOpts, cmd, drain)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "trigger a sync after requeueing")
	return cmd
}

func runRetryFailed(opts *RootOptions, cmd *cobra.Command, drain bool) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, opts, formatter, drain)
	if err != nil {
		return err
	}
	defer func() { _ = eng.close(ctx) }()

	requeued, err := eng.svc.RetryFailedActions(ctx)
	if err != nil {
		return err
	}
	formatter.Verbosef("requeued %d failed actions", requeued)

	if drain && requeued > 0 {
		if err := eng.svc.TriggerSync(ctx); err != nil {
			return err
		}
	}

	st, err := eng.svc.GetStats(ctx)
	if err != nil {
		return err
	}
	result := RetryResult{
		Requeued: requeued,
		Synced:   st.SyncedActions,
		Pending:  st.PendingActions,
		Failed:   st.FailedActions,
	}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Requeued %d actions (%d pending, %d failed)\n",
			result.Requeued, result.Pending, result.Failed)
	})
}
