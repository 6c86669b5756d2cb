package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show sync state of the local database",
		Long: `Show the sync state of the local offline database.

Reports action log totals, pending and failed counts, storage usage,
and the last successful sync time. Runs fully offline.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, opts, formatter, false)
	if err != nil {
		return err
	}
	defer func() { _ = eng.close(ctx) }()

	st, err := eng.svc.GetStats(ctx)
	if err != nil {
		return err
	}

	return formatter.Emit(st, func(w io.Writer) {
		fmt.Fprintf(w, "Actions:   %d total, %d pending, %d failed, %d synced\n",
			st.TotalActions, st.PendingActions, st.FailedActions, st.SyncedActions)
		fmt.Fprintf(w, "Storage:   %d bytes\n", st.StorageUsedBytes)
		if st.LastSyncAt.IsZero() {
			fmt.Fprintln(w, "Last sync: never")
		} else {
			fmt.Fprintf(w, "Last sync: %s\n", st.LastSyncAt.Format("2006-01-02 15:04:05 MST"))
		}
	})
}
