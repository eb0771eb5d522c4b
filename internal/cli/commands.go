package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
	"qrattend/internal/reconcile"
	"qrattend/internal/synclog"
)

// NewScanCommand records one scan, exactly as the kiosk would.
func NewScanCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "scan <student-id>",
		Short:         "Record a scan for a student",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Scan(cmd.Context(), args[0])
			p := root.printer(cmd)
			text := func(w io.Writer) { fmt.Fprintln(w, out.String()) }
			if err != nil {
				msg := out.Reason
				if msg == "" {
					msg = err.Error()
				}
				return p.fail(ExitFailure, msg, out, text)
			}
			return p.print(out, text)
		},
	}
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Date string
}

func NewStatusCommand(root *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:           "status <student-id>",
		Short:         "Show a student's status for a day",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Date, "date", "", "day to report, YYYY-MM-DD (default today)")
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command, id string) error {
	if opts.Date != "" {
		if _, err := time.Parse(attendance.DateLayout, opts.Date); err != nil {
			return WrapExitError(ExitCommandError, "--date must be YYYY-MM-DD", err)
		}
	}
	a, err := opts.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	date := opts.Date
	if date == "" {
		date = a.Service.CurrentDate()
	}
	st, err := a.Service.StatusFor(id, date)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read ledger", err)
	}
	return opts.printer(cmd).print(st, func(w io.Writer) {
		fmt.Fprintf(w, "%s on %s: %s\n", st.SubjectID, st.Date, st.State)
		if st.Problem != "" {
			fmt.Fprintf(w, "  problem: %s\n", st.Problem)
		}
		if st.CheckInAt != nil {
			fmt.Fprintf(w, "  check-in:  %s\n", st.CheckInAt.In(a.Location).Format("15:04:05"))
		}
		if st.CheckOutAt != nil {
			fmt.Fprintf(w, "  check-out: %s\n", st.CheckOutAt.In(a.Location).Format("15:04:05"))
		}
		if st.Duration != nil {
			fmt.Fprintf(w, "  session:   %s\n", st.Duration.Round(time.Minute))
		}
		if opts.Verbose {
			for _, rec := range st.Records {
				fmt.Fprintf(w, "  %s %s\n", rec.Timestamp.In(a.Location).Format(time.RFC3339), rec.Status)
			}
		}
	})
}

// NewSyncCommand runs one cycle and waits for it up to the manual sync timeout.
func NewSyncCommand(root *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:           "sync",
		Short:         "Run one sync cycle against the authority",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if timeout <= 0 {
				timeout = a.Config.ManualSyncTimeout
			}
			if timeout <= 0 {
				timeout = 60 * time.Second
			}
			rep, err := a.Scheduler.SyncNow(cmd.Context(), timeout)
			if errors.Is(err, reconcile.ErrTimedOut) {
				// Leave the cycle a moment to persist what it has; the
				// queue and cursor are safe to resume either way.
				if last, ok := waitForLast(a.Scheduler, rep.ID, 5*time.Second); ok {
					rep = last
				}
			} else if err != nil {
				return WrapExitError(ExitFailure, "sync interrupted", err)
			}

			p := root.printer(cmd)
			text := func(w io.Writer) { writeReport(w, rep) }
			if rep.Outcome != reconcile.OutcomeOK {
				msg := string(rep.Outcome)
				if rep.Error != "" {
					msg += ": " + rep.Error
				}
				return p.fail(ExitFailure, msg, rep, text)
			}
			return p.print(rep, text)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the cycle (default MANUAL_SYNC_TIMEOUT)")
	return cmd
}

// waitForLast polls for a finished cycle other than the timeout report.
func waitForLast(s *reconcile.Scheduler, timeoutID string, wait time.Duration) (reconcile.Report, bool) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if last, ok := s.Last(); ok && last.ID != timeoutID {
			return last, true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return reconcile.Report{}, false
}

func writeReport(w io.Writer, rep reconcile.Report) {
	fmt.Fprintf(w, "cycle %s: %s in %s\n", rep.ID, rep.Outcome, rep.Duration.Round(time.Millisecond))
	if rep.Outcome == reconcile.OutcomeSkipped {
		fmt.Fprintln(w, "  authority unreachable; queued records kept")
		return
	}
	fmt.Fprintf(w, "  corrections applied: %d\n", rep.Corrections)
	fmt.Fprintf(w, "  pushed: %d, rejected: %d, parked: %d, remaining: %d\n", rep.Pushed, rep.Rejected, rep.Parked, rep.Remaining)
	fmt.Fprintf(w, "  pulled: %d added, %d updated, %d kept, %d deferred\n", rep.Pull.Added, rep.Pull.Updated, rep.Pull.Kept, rep.Pull.Deferred)
	if rep.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rep.Error)
	}
}

type queueView struct {
	Size    int           `json:"size"`
	Entries []queue.Entry `json:"entries"`
	Parked  []queue.Entry `json:"parked"`
}

func NewQueueCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "queue",
		Short:         "List records waiting for the authority",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var view queueView
			if view.Entries, err = a.Queue.Entries(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to read queue", err)
			}
			if view.Parked, err = a.Queue.Parked(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to read parked records", err)
			}
			view.Size = len(view.Entries)

			return root.printer(cmd).print(view, func(w io.Writer) {
				fmt.Fprintf(w, "%d queued, %d parked\n", view.Size, len(view.Parked))
				for _, e := range view.Entries {
					fmt.Fprintf(w, "  %s\n", e)
				}
				if len(view.Parked) > 0 {
					fmt.Fprintln(w, "parked:")
					for _, e := range view.Parked {
						fmt.Fprintf(w, "  %s\n", e)
					}
				}
			})
		},
	}
}

func NewMarkAbsentCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "mark-absent",
		Short:         "Mark students absent whose check-in deadline has passed",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Absence.Mark(cmd.Context(), time.Now())
			if err != nil {
				return WrapExitError(ExitFailure, "absence marking failed", err)
			}
			return root.printer(cmd).print(map[string]int{"marked": n}, func(w io.Writer) {
				fmt.Fprintf(w, "marked %d students absent\n", n)
			})
		},
	}
}

func NewJournalCommand(root *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "journal",
		Short:         "Show recent sync cycles",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return WrapExitError(ExitCommandError, "-n must be positive", nil)
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Journal.Recent(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read journal", err)
			}
			if entries == nil {
				entries = []synclog.Entry{}
			}
			return root.printer(cmd).print(entries, func(w io.Writer) {
				for _, e := range entries {
					line := fmt.Sprintf("%s  %-7s pushed=%d pulled=%d remaining=%d",
						e.StartedAt.In(a.Location).Format(time.RFC3339), e.Outcome, e.Pushed, e.PulledAdded+e.PulledUpdated, e.Remaining)
					if e.Error != "" {
						line += "  " + e.Error
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	return cmd
}
