package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSessionsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List and manage recorded sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List recorded sessions by start time",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := o.client()
				if err != nil {
					return err
				}
				sessions, err := c.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				if len(sessions) == 0 {
					cmd.Println("No sessions recorded.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTARTED\tDURATION\tINTERVAL\tIMAGES")
				for _, s := range sessions {
					dur := "running"
					if s.Completed != nil {
						dur = s.Completed.Sub(s.Started).Round(time.Second).String()
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name,
						s.Started.Local().Format(time.DateTime), dur, s.Interval, s.Images)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("session id", args[0])
				if err != nil {
					return err
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				s, err := c.Session(cmd.Context(), id)
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), s)
				}
				cmd.Printf("Session #%d %q\n", s.ID, s.Name)
				cmd.Printf("  Directory: %s\n", s.Directory)
				cmd.Printf("  Started:   %s (%s)\n", s.Started.Local().Format(time.DateTime), humanize.Time(s.Started))
				if s.Completed != nil {
					cmd.Printf("  Completed: %s\n", s.Completed.Local().Format(time.DateTime))
				}
				if s.Latitude != nil && s.Longitude != nil {
					cmd.Printf("  Location:  %.5f, %.5f\n", *s.Latitude, *s.Longitude)
				}
				cmd.Printf("  Interval:  %s\n", s.Interval)
				cmd.Printf("  Images:    %d\n", s.Images)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session with its images and metadata",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("session id", args[0])
				if err != nil {
					return err
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.DeleteSession(cmd.Context(), id); err != nil {
					return err
				}
				cmd.Printf("Deleted session #%d\n", id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename <id> <name>",
			Short: "Rename a session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("session id", args[0])
				if err != nil {
					return err
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.Rename(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				cmd.Printf("Renamed session #%d to %q\n", id, args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "images <id>",
			Short: "List the images of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("session id", args[0])
				if err != nil {
					return err
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				images, err := c.Images(cmd.Context(), id)
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), images)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFILE\tTAKEN")
				for _, im := range images {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", im.ID, im.Filename, im.Taken.Local().Format(time.DateTime))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "delete-image <image-id>",
			Short: "Delete one image file and its record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("image id", args[0])
				if err != nil {
					return err
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.DeleteImage(cmd.Context(), id); err != nil {
					return err
				}
				cmd.Printf("Deleted image #%d\n", id)
				return nil
			},
		},
	)
	return cmd
}
