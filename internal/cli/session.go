package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"automoth/internal/api"
	"automoth/internal/scheduling"
)

func newStartCmd(o *options) *cobra.Command {
	var sf settingsFlags
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a capture session now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			settings, err := sf.resolve(ctx, cmd, c)
			if err != nil {
				return err
			}
			st, err := c.Start(ctx, api.StartRequest{Name: args[0], Settings: settings})
			if errors.Is(err, scheduling.ErrSessionActive) {
				return fmt.Errorf("%w; stop it first with \"automoth stop\"", err)
			}
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			cmd.Printf("Started session %q (#%d): %s\n", st.Name, st.SessionID, st.Settings)
			return nil
		},
	}
	sf.register(cmd)
	return cmd
}

func newStopCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running capture session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			st, err := c.Stop(cmd.Context())
			if errors.Is(err, scheduling.ErrNoActiveSession) {
				cmd.Println("No session is running.")
				return nil
			}
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			cmd.Printf("Stopped session %q (#%d): %d images, %d failed, %d dropped\n",
				st.Name, st.SessionID, st.Images, st.Failures, st.Dropped)
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running session and pending sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			if a := st.Active; a != nil {
				fmt.Fprintf(out, "Running: %q (#%d) since %s (%s)\n", a.Name, a.SessionID,
					a.Started.Format(time.DateTime), humanize.Time(a.Started))
				fmt.Fprintf(out, "  %s\n", a.Settings)
				fmt.Fprintf(out, "  %d images, %d failed, %d dropped\n", a.Images, a.Failures, a.Dropped)
			} else {
				fmt.Fprintln(out, "Running: none")
			}
			fmt.Fprintln(out)
			printPending(out, st.Pending)
			return nil
		},
	}
}

func printPending(w io.Writer, pending []scheduling.Pending) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "Pending: none")
		return
	}
	fmt.Fprintf(w, "Pending: %d\n", len(pending))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tSTART\tIN\tSETTINGS")
	for _, p := range pending {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.RequestCode, p.Name,
			p.Start.Local().Format(time.DateTime), humanize.Time(p.Start), p.Settings)
	}
	_ = tw.Flush()
}
