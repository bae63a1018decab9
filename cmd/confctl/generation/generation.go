package generationcmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/cluster"
	"confctl/internal/executor"
	"confctl/internal/generation"
)

// Cmd returns "confctl generation".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generation",
		Aliases: []string{"gen"},
		Short:   "Manage build and host generations",
	}
	cmd.AddCommand(lsCmd(flags))
	cmd.AddCommand(rotateCmd(flags))
	cmd.AddCommand(rmCmd(flags))
	return cmd
}

// scopeFlags choose between the local build history and the history on
// the machines. Neither flag means both.
type scopeFlags struct {
	local  bool
	remote bool
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.local, "local", "l", false, "Only build generations in the deployment")
	cmd.Flags().BoolVarP(&f.remote, "remote", "r", false, "Only generations on the machines")
}

func (f scopeFlags) presence() generation.Presence {
	switch {
	case f.local && !f.remote:
		return generation.PresenceBuild
	case f.remote && !f.local:
		return generation.PresenceHost
	default:
		return generation.PresenceBoth
	}
}

// history is what is known about one machine's generations.
type history struct {
	machine *cluster.Machine
	builds  *generation.BuildList
	hosts   *generation.HostList
	// hostErr is set when the machine could not be queried.
	hostErr error
}

// loadHistories reads build histories from the store and queries the
// machines in parallel. Unreachable machines are reported, not fatal.
func loadHistories(ctx context.Context, app *cmdutil.App, machines []*cluster.Machine, presence generation.Presence) ([]*history, error) {
	out := make([]*history, len(machines))
	for i, m := range machines {
		out[i] = &history{machine: m}
	}

	if presence&generation.PresenceBuild != 0 {
		store, err := app.BuildStore()
		if err != nil {
			return nil, err
		}
		for _, h := range out {
			bl, err := store.Load(h.machine.Name)
			if err != nil {
				return nil, fmt.Errorf("load build generations of %s: %w", h.machine.Name, err)
			}
			h.builds = bl
		}
	}

	if presence&generation.PresenceHost != 0 {
		results := executor.Map(app.Settings.Concurrency.Status, out, func(h *history) (*generation.HostList, error) {
			return generation.QueryHost(ctx, app.Transport, app.Target(h.machine))
		})
		for _, r := range results {
			out[r.Index].hosts = r.Value
			out[r.Index].hostErr = r.Err
		}
	}
	return out, nil
}

func (h *history) unified() []*generation.Unified {
	u := generation.NewUnifiedList()
	if h.builds != nil {
		u.AddBuildList(h.builds)
	}
	if h.hosts != nil {
		u.AddHostList(h.hosts)
	}
	return u.Host(h.machine.Name)
}

// Find returns the generations of gens matching ref, a build generation
// name or a host generation number.
func Find(gens []*generation.Unified, ref string) []*generation.Unified {
	id, idErr := strconv.Atoi(ref)
	var out []*generation.Unified
	for _, u := range gens {
		if u.Name == ref || (idErr == nil && u.HostGen != nil && u.ID == id) {
			out = append(out, u)
		}
	}
	return out
}

// Table lists unified generations of any number of hosts.
func Table(gens []*generation.Unified, now time.Time) string {
	rows := make([][]string, 0, len(gens))
	for _, u := range gens {
		id := "-"
		if u.HostGen != nil {
			id = strconv.Itoa(u.ID)
		}
		cur := ""
		if u.Current {
			cur = ui.Success("current")
		}
		rows = append(rows, []string{u.Host, u.Name, id, u.Presence().String(), cur, ui.Since(now, u.Date), u.Toplevel})
	}
	return ui.Table([]string{"Host", "Name", "ID", "Present", "Current", "Age", "Toplevel"}, rows)
}

func warnUnreachable(hs []*history) {
	for _, h := range hs {
		if h.hostErr != nil {
			fmt.Println(ui.WarnMsg("%s: %v", h.machine.Name, h.hostErr))
		}
	}
}

func lsCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		sel   cmdutil.SelectFlags
		scope scopeFlags
	)

	cmd := &cobra.Command{
		Use:   "ls [host-pattern...]",
		Short: "List generations",
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

			var hs []*history
			err = ui.RunWithSpinner(cmd.Context(), "Loading generations", func(ctx context.Context) error {
				var err error
				hs, err = loadHistories(ctx, app, machines, scope.presence())
				return err
			})
			if err != nil {
				return err
			}
			warnUnreachable(hs)

			var all []*generation.Unified
			for _, h := range hs {
				all = append(all, h.unified()...)
			}
			fmt.Println(Table(all, app.Now()))
			return nil
		},
	}
	sel.Bind(cmd)
	scope.bind(cmd)
	return cmd
}
