package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"automoth/internal/api"
	"automoth/internal/eventbus"
)

func newEventsCmd(o *options) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			return c.Events(ctx, types, func(e api.StreamEvent) {
				if o.jsonOut {
					_ = json.NewEncoder(out).Encode(e)
					return
				}
				fmt.Fprintf(out, "%s  %s\n", e.Time.Local().Format(time.TimeOnly), describeEvent(e))
			})
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only these event types (repeatable)")
	return cmd
}

func describeEvent(e api.StreamEvent) string {
	var s eventbus.SessionInfo
	var p eventbus.PendingInfo
	switch e.Type {
	case eventbus.SessionStarted, eventbus.SessionStopped, eventbus.ImageSaved,
		eventbus.CaptureFailed, eventbus.CaptureDropped:
		if json.Unmarshal(e.Data, &s) != nil {
			break
		}
		line := fmt.Sprintf("%-18s %q #%d images=%d failed=%d dropped=%d", e.Type, s.Name, s.SessionID, s.Images, s.Failures, s.Dropped)
		if s.Reason != "" {
			line += " reason=" + s.Reason
		}
		if s.Error != "" {
			line += " error=" + s.Error
		}
		return line
	case eventbus.PendingAdded, eventbus.PendingCanceled, eventbus.PendingFired,
		eventbus.PendingStale, eventbus.PendingDropped:
		if json.Unmarshal(e.Data, &p) != nil {
			break
		}
		line := fmt.Sprintf("%-18s %q #%d start=%s", e.Type, p.Name, p.RequestCode, p.Start)
		if p.Reason != "" {
			line += " reason=" + p.Reason
		}
		return line
	}
	return fmt.Sprintf("%-18s %s", e.Type, string(e.Data))
}
