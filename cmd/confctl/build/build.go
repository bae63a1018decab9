package buildcmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/build"
)

// Cmd returns "confctl build".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var sel cmdutil.SelectFlags

	cmd := &cobra.Command{
		Use:   "build [host-pattern...]",
		Short: "Build machine configurations",
		Long: "Build the selected machines. Machines whose swpins resolve to the same\n" +
			"versions are built together. Each result becomes the machine's current\n" +
			"build generation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			selector, err := sel.Selector(args)
			if err != nil {
				return err
			}
			machines, err := app.Select(cmd.Context(), selector)
			if err != nil {
				return err
			}
			inv, err := app.Inventory(cmd.Context())
			if err != nil {
				return err
			}

			var results []build.Result
			err = ui.RunWithSpinner(cmd.Context(), fmt.Sprintf("Building %d machines", len(machines)), func(ctx context.Context) error {
				var err error
				results, err = app.Build(ctx, inv, machines)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Println(ResultTable(results))
			return nil
		},
	}
	sel.Bind(cmd)
	return cmd
}

// ResultTable renders build results.
func ResultTable(results []build.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		state := ui.Success("new")
		if !r.Created {
			state = ui.Muted("existing")
		}
		rotated := ""
		if len(r.Rotated) > 0 {
			rotated = fmt.Sprintf("%d", len(r.Rotated))
		}
		rows = append(rows, []string{r.Host, r.Group, r.Generation.Name, state, r.Generation.Toplevel, rotated})
	}
	return ui.Table([]string{"Host", "Group", "Generation", "", "Toplevel", "Rotated"}, rows)
}
