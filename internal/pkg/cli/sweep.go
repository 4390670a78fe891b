package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/bootstrap"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/delivery"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/webhook"
)

var sweepNames = []string{
	bootstrap.SweepDeliveries,
	bootstrap.SweepWebhooks,
	bootstrap.SweepRollover,
	bootstrap.SweepAuditArchive,
}

// NewSweepCommand runs a single sweep, for hosts without an HTTP scheduler.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "sweep <deliveries|webhooks|rollover|audit-archive>",
		Short:     "Run one reconciliation sweep and print its summary",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: sweepNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			services, err := bootstrap.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			services.Audit.Start()
			defer services.Audit.Stop()

			ctx, cancel := sweepContext(cmd.Context(), timeout)
			defer cancel()

			result, err := services.RunSweep(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sweep %s: %w", args[0], err)
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts, result, func(w io.Writer) {
				printSweep(w, args[0], result)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sweep after this long")
	return cmd
}

func printSweep(w io.Writer, name string, result any) {
	switch r := result.(type) {
	case delivery.Result:
		fmt.Fprintf(w, "%s: scanned=%d reenqueued=%d skipped=%d errored=%d failed=%d rate=%.3f%%\n",
			name, r.Scanned, r.Reenqueued, r.Skipped, r.Errored, r.Failed, r.RatePercent)
	case webhook.ReconcileResult:
		fmt.Fprintf(w, "%s: scanned=%d reconciled=%d skipped=%d errored=%d exhausted=%d rate=%.3f%%\n",
			name, r.Scanned, r.Reconciled, r.Skipped, r.Errored, r.Exhausted, r.RatePercent)
	case usage.Result:
		fmt.Fprintf(w, "%s: processed=%d succeeded=%d errored=%d granted=%d duplicates=%d duration=%dms\n",
			name, r.Processed, r.Succeeded, r.Errored, r.Granted, r.Duplicates, r.DurationMs)
	case audit.ArchiveResult:
		fmt.Fprintf(w, "%s: day=%s key=%s events=%d bytes=%d\n",
			name, r.Day.Format("2006-01-02"), r.Key, r.Events, r.Bytes)
	default:
		fmt.Fprintf(w, "%s: %v\n", name, result)
	}
}
