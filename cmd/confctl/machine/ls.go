package machinecmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
)

// Cmd returns "confctl ls", listing machines of the deployment.
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var sel cmdutil.SelectFlags
	var all bool

	cmd := &cobra.Command{
		Use:   "ls [host-pattern...]",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			inv, err := app.Inventory(cmd.Context())
			if err != nil {
				return err
			}
			selector, err := sel.Selector(args)
			if err != nil {
				return err
			}
			selector.Unmanaged = all
			machines, err := inv.Select(selector)
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				fmt.Println(ui.Muted("no machines"))
				return nil
			}

			rows := make([][]string, 0, len(machines))
			for _, m := range machines {
				t := app.Target(m)
				addr := t.Address()
				if t.Local {
					addr = "local"
				}
				rows = append(rows, []string{
					m.Name,
					ui.Bool(m.Managed),
					addr,
					strings.Join(m.Tags, ","),
					strings.Join(m.Swpins.Channels, ","),
					ui.Bool(m.AutoRollback),
				})
			}
			fmt.Println(ui.Table([]string{"Host", "Managed", "Target", "Tags", "Channels", "Auto-rollback"}, rows))
			return nil
		},
	}
	sel.Bind(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Include unmanaged machines")
	return cmd
}
