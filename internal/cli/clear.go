package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// ClearResult reports the outcome of an action log purge.
type ClearResult struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// NewClearSyncedCommand creates the clear-synced command.
func NewClearSyncedCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clear-synced",
		Short: "Purge confirmed actions from the action log",
		Long: `Purge synced actions from the local action log to bound storage
growth. Pending and failed actions are never touched. With --older-than
only actions confirmed before the cutoff are removed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearSynced(rootOpts, cmd, olderThan)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge actions older than this (0 = all synced)")
	return cmd
}

func runClearSynced(opts *RootOptions, cmd *cobra.Command, olderThan time.Duration) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, opts, formatter, false)
	if err != nil {
		return err
	}
	defer func() { _ = eng.close(ctx) }()

	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}
	removed, err := eng.svc.ClearSyncedActions(ctx, cutoff)
	if err != nil {
		return err
	}

	st, err := eng.svc.GetStats(ctx)
	if err != nil {
		return err
	}
	result := ClearResult{Removed: removed, Remaining: st.TotalActions}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %d synced actions (%d remaining in log)\n",
			result.Removed, result.Remaining)
	})
}
