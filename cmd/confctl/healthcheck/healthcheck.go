package healthcmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/cluster"
	"confctl/internal/healthcheck"
	"confctl/internal/remote"
)

// Cmd returns "confctl health-check".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		sel         cmdutil.SelectFlags
		keepGoing   bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "health-check [host-pattern...]",
		Short: "Run machine health checks",
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

			engine := &healthcheck.Engine{
				Transport:   app.Transport,
				Concurrency: app.Settings.Concurrency.HealthChecks,
				KeepGoing:   keepGoing,
				Logger:      app.Logger,
			}
			if interactive {
				engine.Resolver = ui.NewOperator()
			}

			subjects := Subjects(machines, app.Target)
			var reports []healthcheck.Report
			// Interactive resolution prompts; the spinner would draw over them.
			run := func(ctx context.Context) error {
				reports, err = engine.CheckAll(ctx, subjects)
				return nil
			}
			if interactive {
				_ = run(cmd.Context())
			} else {
				_ = ui.RunWithSpinner(cmd.Context(), fmt.Sprintf("Checking %d machines", len(subjects)), run)
			}

			fmt.Println(Table(subjects, reports))
			return err
		},
	}
	sel.Bind(cmd)
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Report failures without failing the command")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Ask how to resolve failed checks")
	return cmd
}

// Subjects pairs machines with their declared checks. Machines without
// checks are left out.
func Subjects(machines []*cluster.Machine, target func(*cluster.Machine) remote.Target) []healthcheck.Subject {
	var out []healthcheck.Subject
	for _, m := range machines {
		checks := m.HealthChecks.All()
		if len(checks) == 0 {
			continue
		}
		out = append(out, healthcheck.Subject{Target: target(m), Checks: checks})
	}
	return out
}

// Table lists each check of each subject. Subjects the run never reached
// are shown as not checked.
func Table(subjects []healthcheck.Subject, reports []healthcheck.Report) string {
	var rows [][]string
	for i, s := range subjects {
		if i >= len(reports) || reports[i].Machine == "" {
			rows = append(rows, []string{s.Target.Name, ui.Muted("not checked"), "", ""})
			continue
		}
		for _, r := range reports[i].Results {
			verdict := ui.Success("pass")
			if !r.Passed {
				verdict = ui.Error("fail")
				if reports[i].Accepted {
					verdict = ui.Warn("accepted")
				}
			}
			rows = append(rows, []string{s.Target.Name, verdict, r.Description, r.Message})
		}
	}
	return ui.Table([]string{"Host", "Result", "Check", "Message"}, rows)
}
