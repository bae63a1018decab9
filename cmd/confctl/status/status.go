package statuscmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/generation"
	"confctl/internal/status"
)

// Cmd returns "confctl status".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		sel         cmdutil.SelectFlags
		genName     string
		generations bool
	)

	cmd := &cobra.Command{
		Use:   "status [host-pattern...]",
		Short: "Compare what machines run with their build generations",
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
			store, err := app.BuildStore()
			if err != nil {
				return err
			}

			subjects := make([]status.Subject, len(machines))
			for i, m := range machines {
				want, err := Wanted(store, m.Name, genName)
				if err != nil {
					return err
				}
				subjects[i] = status.Subject{Target: app.Target(m), Want: want}
			}

			var statuses []*status.Status
			opts := status.Options{Concurrency: app.Settings.Concurrency.Status, Generations: generations, Logger: app.Logger}
			_ = ui.RunWithSpinner(cmd.Context(), fmt.Sprintf("Querying %d machines", len(subjects)), func(ctx context.Context) error {
				statuses = status.QueryAll(ctx, app.Transport, subjects, opts)
				return nil
			})

			fmt.Println(Table(statuses))
			if generations {
				for _, st := range statuses {
					if st.Generations == nil {
						continue
					}
					fmt.Println(ui.Bold(st.Host))
					fmt.Println(HostGenerationTable(st.Generations))
				}
			}
			return nil
		},
	}
	sel.Bind(cmd)
	cmd.Flags().StringVarP(&genName, "generation", "g", "", "Compare against this build generation instead of the current one")
	cmd.Flags().BoolVar(&generations, "generations", false, "Also list generations on each machine")
	return cmd
}

// Wanted returns what host should run: the named build generation, or
// the current one. A host without build generations wants nothing.
func Wanted(store *generation.BuildStore, host, name string) (status.Want, error) {
	list, err := store.Load(host)
	if err != nil {
		return status.Want{}, err
	}
	if name == "" {
		if cur := list.Current(); cur != nil {
			return status.WantGeneration(cur), nil
		}
		return status.Want{}, nil
	}
	g, err := list.Get(name)
	if err != nil {
		return status.Want{}, err
	}
	return status.WantGeneration(g), nil
}

func Table(statuses []*status.Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		v := st.Verdict()
		verdict := string(v)
		switch v {
		case status.UpToDate:
			verdict = ui.Success(verdict)
		case status.Outdated:
			verdict = ui.Warn(verdict)
		case status.Offline:
			verdict = ui.Error(verdict)
		default:
			verdict = ui.Muted(verdict)
		}

		uptime, detail := "-", ""
		if st.Online {
			uptime = ui.Duration(st.Uptime)
		}
		switch {
		case st.Err != nil:
			detail = st.Err.Error()
		case v == status.Outdated && st.Toplevel != st.Want.Toplevel:
			detail = "toplevel differs"
		case v == status.Outdated:
			detail = "swpins: " + strings.Join(st.OutdatedSwpins(), ", ")
		}
		rows = append(rows, []string{st.Host, verdict, uptime, st.Want.Generation, detail})
	}
	return ui.Table([]string{"Host", "Status", "Uptime", "Generation", "Detail"}, rows)
}

func HostGenerationTable(list *generation.HostList) string {
	rows := make([][]string, 0, list.Len())
	for _, g := range list.All() {
		cur := ""
		if g.Current {
			cur = ui.Accent("*")
		}
		rows = append(rows, []string{fmt.Sprintf("%d", g.ID), cur, g.Date.Local().Format("2006-01-02 15:04"), g.KernelVersion, g.Toplevel})
	}
	return ui.Table([]string{"ID", "Current", "Date", "Kernel", "Toplevel"}, rows)
}
