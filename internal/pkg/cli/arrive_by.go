package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/transit"
)

type arriveByOptions struct {
	target  string
	class   string
	country string
	now     func() time.Time
}

// NewArriveByCommand prints the send date for a letter that has to arrive
// by --target.
func NewArriveByCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &arriveByOptions{now: time.Now}

	cmd := &cobra.Command{
		Use:   "arrive-by",
		Short: "Compute when a physical letter must be sent to arrive by a date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArriveBy(cmd.OutOrStdout(), rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.target, "target", "", "arrival date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&opts.class, "class", models.MailClassFirstClass, "mail class (first_class|standard)")
	cmd.Flags().StringVar(&opts.country, "country", "", "destination ISO country code, empty for domestic")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runArriveBy(w io.Writer, rootOpts *RootOptions, opts *arriveByOptions) error {
	target, err := time.Parse(time.RFC3339, opts.target)
	if err != nil {
		target, err = time.Parse("2006-01-02", opts.target)
		if err != nil {
			return fmt.Errorf("invalid target %q: use YYYY-MM-DD or RFC 3339", opts.target)
		}
	}

	res, err := transit.CalculateArriveByTo(opts.now().UTC(), target.UTC(), opts.class, opts.country)
	if err != nil {
		return err
	}

	return writeOutput(w, rootOpts, res, func(w io.Writer) {
		fmt.Fprintf(w, "send on %s (%s, %s, %d transit + %d buffer days)\n",
			res.SendDate.Format("2006-01-02"), res.MailClass, res.Region, res.TransitDays, res.BufferDays)
		if res.IsTooLate {
			fmt.Fprintf(w, "too late for %s, earliest arrival %s\n",
				res.TargetArrival.Format("2006-01-02"), res.EarliestPossibleArrival.Format("2006-01-02"))
		}
	})
}
