package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMetadataCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "metadata",
		Aliases: []string{"meta"},
		Short:   "Read and edit session metadata",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <session-id>",
			Short: "Show all metadata entries of a session",
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
				entries, err := c.Metadata(cmd.Context(), id)
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FIELD\tTYPE\tVALUE\t")
				for _, e := range entries {
					val := "-"
					if e.Value != nil {
						val = fmt.Sprint(e.Value)
					}
					flag := ""
					if e.ReadOnly {
						flag = "read-only"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Type, val, flag)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "set <session-id> <field> [value]",
			Short: "Set a metadata value; omit the value to clear a user field",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("session id", args[0])
				if err != nil {
					return err
				}
				value := ""
				if len(args) == 3 {
					value = args[2]
				}
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.SetMetadata(cmd.Context(), id, args[1], value); err != nil {
					return err
				}
				if value == "" {
					cmd.Printf("Cleared %s on session #%d\n", args[1], id)
				} else {
					cmd.Printf("Set %s = %s on session #%d\n", args[1], value, id)
				}
				return nil
			},
		},
		newFieldsCmd(o),
	)
	return cmd
}

func newFieldsCmd(o *options) *cobra.Command {
	list := func(cmd *cobra.Command, _ []string) error {
		c, err := o.client()
		if err != nil {
			return err
		}
		fields, err := c.Fields(cmd.Context())
		if err != nil {
			return err
		}
		if o.jsonOut {
			return printJSON(cmd.OutOrStdout(), fields)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FIELD\tTYPE\t")
		for _, f := range fields {
			builtin := ""
			if f.Builtin {
				builtin = "builtin"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Type, builtin)
		}
		return tw.Flush()
	}

	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List and manage metadata fields",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List metadata fields",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "add <name> <string|int|double|boolean>",
			Short: "Add a user metadata field",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := o.client()
				if err != nil {
					return err
				}
				f, err := c.AddField(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				cmd.Printf("Added field %s (%s)\n", f.Name, f.Type)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename <old> <new>",
			Short: "Rename a user metadata field",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.RenameField(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				cmd.Printf("Renamed field %s to %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a user metadata field and its values",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := o.client()
				if err != nil {
					return err
				}
				if err := c.DeleteField(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("Deleted field %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
