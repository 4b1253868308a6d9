package cli

import (
	"github.com/spf13/cobra"
)

func newDefaultsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defaults",
		Short: "Show or change the saved imaging defaults",
	}

	var sf settingsFlags
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the imaging defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := sf.resolve(ctx, cmd, c)
			if err != nil {
				return err
			}
			if s == nil {
				return cmd.Help()
			}
			saved, err := c.SetDefaults(ctx, *s)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), saved)
			}
			cmd.Printf("Defaults: %s\n", saved)
			return nil
		},
	}
	sf.register(set)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the imaging defaults",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := o.client()
				if err != nil {
					return err
				}
				s, err := c.Defaults(cmd.Context())
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), s)
				}
				cmd.Printf("Defaults: %s\n", s)
				return nil
			},
		},
		set,
	)
	return cmd
}
