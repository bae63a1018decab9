package swpinscmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/swpins"
)

func autoUpdateCmd(flags *cmdutil.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-update",
		Short: "Update swpins whose automatic update interval has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			var updated []Entry
			err = ui.RunWithSpinner(cmd.Context(), "Updating swpins", func(ctx context.Context) error {
				var err error
				updated, err = AutoUpdate(ctx, app)
				return err
			})
			if len(updated) == 0 && err == nil {
				fmt.Println(ui.InfoMsg("All swpins are up to date"))
				return nil
			}
			if len(updated) > 0 {
				fmt.Println(Table(updated))
			}
			return err
		},
	}
}

// AutoUpdate updates the core first, since the inventory is evaluated with
// it, then every channel and machine. Each pin set is saved after its own
// updates.
func AutoUpdate(ctx context.Context, app *cmdutil.App) ([]Entry, error) {
	env := app.SwpinsEnv()
	var (
		updated []Entry
		errs    []error
	)
	run := func(sets []*swpins.PinSet) {
		for _, ps := range sets {
			names, err := ps.AutoUpdate(ctx, env)
			if err != nil {
				errs = append(errs, err)
			}
			if len(names) == 0 {
				continue
			}
			if err := ps.Save(); err != nil {
				errs = append(errs, err)
			}
			for _, n := range names {
				if s, ok := ps.Get(n); ok {
					updated = append(updated, Entry{Owner: ps.Owner(), Spec: s})
				}
			}
		}
	}

	for _, sc := range []scope{coreScope, channelScope, clusterScope} {
		sets, err := sc.load(ctx, app, "")
		if errors.Is(err, cmdutil.ErrNoMachines) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			break
		}
		run(sets)
	}
	return updated, errors.Join(errs...)
}
