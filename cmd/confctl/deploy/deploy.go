package deploycmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/cluster"
	"confctl/internal/deploy"
	"confctl/internal/generation"
	"confctl/internal/remote"
)

type deployFlags struct {
	sel              cmdutil.SelectFlags
	action           string
	reboot           bool
	copyOnly         bool
	oneByOne         bool
	interactive      bool
	keepGoing        bool
	skipHealthChecks bool
	useSubstitutes   bool
	generation       string
}

// Cmd returns "confctl deploy".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	var f deployFlags

	cmd := &cobra.Command{
		Use:   "deploy [host-pattern...]",
		Short: "Build and deploy machine configurations",
		Long: "Build the selected machines (or take an existing build generation with\n" +
			"--generation), copy the closures, activate them, optionally reboot, and\n" +
			"run health checks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return run(cmd.Context(), app, &f, args)
		},
	}

	cmd.Flags().StringVar(&f.action, "action", remote.ActionSwitch, "Activation action: switch, boot, test or dry-activate")
	cmd.Flags().BoolVar(&f.reboot, "reboot", false, "Reboot after activating with the boot action")
	cmd.Flags().BoolVar(&f.copyOnly, "copy-only", false, "Copy closures without activating them")
	cmd.Flags().BoolVar(&f.oneByOne, "one-by-one", false, "Deploy machines one at a time")
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "Confirm every step and resolve failed health checks")
	cmd.Flags().BoolVar(&f.keepGoing, "keep-going", false, "Continue past failed health checks")
	cmd.Flags().BoolVar(&f.skipHealthChecks, "skip-health-checks", false, "Do not run health checks")
	cmd.Flags().BoolVar(&f.useSubstitutes, "use-substitutes", false, "Let machines download paths from binary caches")
	cmd.Flags().StringVarP(&f.generation, "generation", "g", "", "Deploy an existing build generation (name, or \"current\")")
	f.sel.Bind(cmd)

	cmd.AddCommand(logCmd(flags))
	return cmd
}

func run(ctx context.Context, app *cmdutil.App, f *deployFlags, args []string) error {
	selector, err := f.sel.Selector(args)
	if err != nil {
		return err
	}
	machines, err := app.Select(ctx, selector)
	if err != nil {
		return err
	}
	inv, err := app.Inventory(ctx)
	if err != nil {
		return err
	}

	gens, err := generations(ctx, app, inv, machines, f.generation)
	if err != nil {
		return err
	}
	plans := make([]deploy.HostPlan, len(machines))
	for i, m := range machines {
		plans[i] = Plan(app.Target(m), m, gens[i])
	}

	db, err := app.DB()
	if err != nil {
		return err
	}
	out := ui.NewTelemetryOutput()
	s := app.Settings
	opts := deploy.Options{
		Action:                 f.action,
		Reboot:                 f.reboot,
		CopyOnly:               f.copyOnly,
		OneByOne:               f.oneByOne,
		KeepGoing:              f.keepGoing,
		SkipHealthChecks:       f.skipHealthChecks,
		CopyConcurrency:        s.Concurrency.Copy,
		UseSubstitutes:         f.useSubstitutes,
		Transport:              app.Transport,
		Runner:                 app.Runner,
		SSH:                    s.SSHOptions(),
		HealthCheckConcurrency: s.Concurrency.HealthChecks,
		RebootTimeout:          s.Reboot.Timeout,
		AutoRollbackTimeout:    s.AutoRollback.Timeout,
		ProbeInterval:          s.AutoRollback.ProbeInterval,
		Journal:                db,
		Tracer:                 out.Tracer("confctl/deploy"),
		Logger:                 app.Logger,
		Now:                    app.Now,
	}
	if f.interactive {
		op := ui.NewOperator()
		opts.Confirmer = op
		opts.Resolver = op
	}

	summary, err := deploy.Run(ctx, opts, plans)
	out.Close()
	if summary != nil {
		fmt.Println(SummaryTable(summary))
	}
	if err != nil {
		return err
	}
	if failed := summary.Failed(); len(failed) > 0 {
		fmt.Println(ui.WarnMsg("%d machines failed health checks", len(failed)))
	}
	return nil
}

// generations returns the build generation to deploy to each machine:
// a fresh build, or the named existing one.
func generations(ctx context.Context, app *cmdutil.App, inv *cluster.Inventory, machines []*cluster.Machine, name string) ([]*generation.BuildGeneration, error) {
	out := make([]*generation.BuildGeneration, len(machines))
	if name == "" {
		err := ui.RunWithSpinner(ctx, fmt.Sprintf("Building %d machines", len(machines)), func(ctx context.Context) error {
			results, err := app.Build(ctx, inv, machines)
			if err != nil {
				return err
			}
			for i, r := range results {
				out[i] = r.Generation
			}
			return nil
		})
		return out, err
	}

	store, err := app.BuildStore()
	if err != nil {
		return nil, err
	}
	var errs []error
	for i, m := range machines {
		list, err := store.Load(m.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if name == "current" {
			if out[i] = list.Current(); out[i] == nil {
				errs = append(errs, fmt.Errorf("%s: no current build generation", m.Name))
			}
			continue
		}
		if out[i], err = list.Get(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		}
	}
	return out, errors.Join(errs...)
}

// Plan describes the deployment of g to machine m.
func Plan(target remote.Target, m *cluster.Machine, g *generation.BuildGeneration) deploy.HostPlan {
	p := deploy.HostPlan{
		Target:     target,
		Toplevel:   g.Toplevel,
		Checks:     m.HealthChecks.All(),
		Generation: g.Name,
	}
	if m.AutoRollback {
		p.AutoRollback = g.AutoRollback
	}
	return p
}

// SummaryTable renders each machine's final state.
func SummaryTable(s *deploy.Summary) string {
	rows := make([][]string, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		msg := ""
		if h.Err != nil {
			msg = h.Err.Error()
		}
		rows = append(rows, []string{h.Host, ui.Outcome(h.State.String(), h.State.Failed(), h.State.Skipped()), msg})
	}
	return ui.Table([]string{"Host", "State", "Error"}, rows)
}
