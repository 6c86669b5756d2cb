package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SyncResult summarizes one manual drain.
type SyncResult struct {
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain pending actions to the remote store",
		Long: `Drain the local action log against the hosted system of record.

Replays pending actions in order per record, retrying transient failures
up to the configured ceiling. Requires remote.dsn to be configured.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, opts, formatter, true)
	if err != nil {
		return err
	}
	defer func() { _ = eng.close(ctx) }()

	before, err := eng.svc.GetStats(ctx)
	if err != nil {
		return err
	}
	formatter.Verbosef("draining %d pending actions", before.PendingActions)

	if err := eng.svc.TriggerSync(ctx); err != nil {
		return err
	}

	after, err := eng.svc.GetStats(ctx)
	if err != nil {
		return err
	}
	result := SyncResult{
		Synced:  after.SyncedActions - before.SyncedActions,
		Pending: after.PendingActions,
		Failed:  after.FailedActions,
	}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Synced %d actions (%d pending, %d failed)\n",
			result.Synced, result.Pending, result.Failed)
	})
}
