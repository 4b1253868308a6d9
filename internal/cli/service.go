package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"automoth/internal/unit"
)

func newServiceCmd(o *options) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control the daemon's systemd unit",
	}
	cmd.PersistentFlags().StringVar(&name, "unit", unit.DefaultName, "systemd unit name")

	withManager := func(fn func(ctx context.Context, m *unit.Manager, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			m, err := unit.Open(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(ctx, m, cmd)
		}
	}
	status := func(ctx context.Context, m *unit.Manager, cmd *cobra.Command) error {
		st, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if o.jsonOut {
			return printJSON(cmd.OutOrStdout(), st)
		}
		cmd.Println(st.String())
		return nil
	}
	action := func(verb string, run func(*unit.Manager, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   verb,
			Short: verb + " the unit",
			Args:  cobra.NoArgs,
			RunE: withManager(func(ctx context.Context, m *unit.Manager, cmd *cobra.Command) error {
				if err := run(m, ctx, name); err != nil {
					return err
				}
				return status(ctx, m, cmd)
			}),
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the unit state",
			Args:  cobra.NoArgs,
			RunE:  withManager(status),
		},
		action("start", (*unit.Manager).Start),
		action("stop", (*unit.Manager).Stop),
		action("restart", (*unit.Manager).Restart),
	)
	return cmd
}
