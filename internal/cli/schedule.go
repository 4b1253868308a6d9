package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"automoth/internal/api"
	"automoth/internal/scheduling"
)

func newScheduleCmd(o *options) *cobra.Command {
	var (
		sf     settingsFlags
		at     string
		dryRun bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "schedule <name> --at <time>",
		Short: "Schedule a capture session to start later",
		Long: `Schedule a session to start at --at. Times are RFC 3339, "2006-01-02 15:04",
"15:04" (next occurrence) or relative like "+2h".

The request is checked against the running and pending sessions first. If
it would cancel another session, or be cancelled by one, you are asked to
confirm unless --yes is given. --dry-run only prints the check and the
storage estimate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseWhen(at, time.Now())
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			settings, err := sf.resolve(ctx, cmd, c)
			if err != nil {
				return err
			}
			req := api.ScheduleRequest{Name: args[0], Start: start, Settings: settings}

			check := req
			check.DryRun = true
			preview, err := c.Schedule(ctx, check)
			if err != nil {
				return err
			}
			if o.jsonOut && dryRun {
				return printJSON(cmd.OutOrStdout(), preview)
			}
			if !o.jsonOut {
				printPreview(cmd.OutOrStdout(), preview)
			}
			if dryRun {
				return nil
			}

			if preview.Verdict.Kind != scheduling.NoConflict && !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Schedule anyway?")
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("not scheduled")
				}
			}
			req.Confirm = preview.Verdict.Kind != scheduling.NoConflict

			res, err := c.Schedule(ctx, req)
			var apiErr *api.Error
			if errors.As(err, &apiErr) && apiErr.Verdict != nil {
				return fmt.Errorf("%w (%s)", err, describeVerdict(*apiErr.Verdict))
			}
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			p := res.Result.Pending
			cmd.Printf("Scheduled %q as #%d, starting %s (%s)\n", p.Name, p.RequestCode,
				p.Start.Local().Format(time.DateTime), humanize.Time(p.Start))
			for _, x := range res.Result.Cancelled {
				cmd.Printf("Cancelled pending %q (#%d)\n", x.Name, x.RequestCode)
			}
			if res.Result.Doomed != nil {
				cmd.Printf("Note: %s\n", describeVerdict(*res.Result.Doomed))
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "start time")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only check conflicts and estimate storage")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm conflicts without asking")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func printPreview(w io.Writer, p api.ScheduleResponse) {
	if p.Estimate.Images < 0 {
		fmt.Fprintln(w, "Estimate: runs until stopped, no storage bound")
	} else {
		fmt.Fprintf(w, "Estimate: %d images, about %s\n", p.Estimate.Images, humanize.Bytes(uint64(p.Estimate.Bytes)))
	}
	if p.Verdict.Kind != scheduling.NoConflict {
		fmt.Fprintf(w, "Conflict: %s\n", describeVerdict(p.Verdict))
	}
}

func describeVerdict(v scheduling.Verdict) string {
	switch v.Kind {
	case scheduling.WillCancel:
		return fmt.Sprintf("this request will cancel the %s", v.Other)
	case scheduling.WillBeCancelled:
		return fmt.Sprintf("this session will be cancelled by the %s", v.Other)
	default:
		return "no conflict"
	}
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func newCancelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-code>",
		Short: "Cancel a pending session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseID("request code", args[0])
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), code); err != nil {
				return err
			}
			cmd.Printf("Cancelled #%d\n", code)
			return nil
		},
	}
}

func newPendingCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			pending, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), pending)
			}
			printPending(cmd.OutOrStdout(), pending)
			return nil
		},
	}
}

func parseID(what, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return id, nil
}
