package deploycmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/deploy"
)

func logCmd(flags *cmdutil.Flags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log [host]",
		Short: "Show recent deployments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			host := ""
			if len(args) == 1 {
				host = args[0]
			}
			db, err := app.DB()
			if err != nil {
				return err
			}
			entries, err := db.DeployHistory(cmd.Context(), host, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(ui.Muted("no deployments recorded"))
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				state, ok := deploy.ParseState(e.State)
				outcome := e.State
				if ok {
					outcome = ui.Outcome(e.State, state.Failed(), state.Skipped())
				}
				rows = append(rows, []string{
					e.FinishedAt.Local().Format(time.DateTime),
					e.Host,
					e.Action,
					e.Generation,
					outcome,
					e.Error,
				})
			}
			fmt.Println(ui.Table([]string{"Finished", "Host", "Action", "Generation", "State", "Error"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}
