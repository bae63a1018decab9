package generationcmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/generation"
)

func rmCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		sel   cmdutil.SelectFlags
		scope scopeFlags
		ref   string
		yes   bool
	)

	cmd := &cobra.Command{
		Use:   "rm [host-pattern...] --generation NAME|ID",
		Short: "Remove a generation",
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

			presence := scope.presence()
			var hs []*history
			err = ui.RunWithSpinner(cmd.Context(), "Loading generations", func(ctx context.Context) error {
				var err error
				hs, err = loadHistories(ctx, app, machines, presence)
				return err
			})
			if err != nil {
				return err
			}
			warnUnreachable(hs)

			type target struct {
				h *history
				u *generation.Unified
			}
			var targets []target
			var matched []*generation.Unified
			for _, h := range hs {
				for _, u := range Find(h.unified(), ref) {
					targets = append(targets, target{h: h, u: u})
					matched = append(matched, u)
				}
			}
			if len(targets) == 0 {
				return fmt.Errorf("generation %q: %w", ref, generation.ErrNotFound)
			}

			fmt.Println(Table(matched, app.Now()))
			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Remove %d generations (%s)?", len(targets), presence), "use --yes to remove without asking")
				if err != nil {
					return err
				}
				if !ok {
					return ui.ErrCancelled
				}
			}

			var errs []error
			for _, t := range targets {
				if err := generation.Destroy(cmd.Context(), t.u, t.h.builds, t.h.hosts, presence); err != nil {
					errs = append(errs, err)
					fmt.Println(ui.ErrorMsg("%s %s: %v", t.u.Host, t.u.Name, err))
					continue
				}
				fmt.Println(ui.SuccessMsg("Removed %s %s", t.u.Host, t.u.Name))
			}
			return errors.Join(errs...)
		},
	}
	sel.Bind(cmd)
	scope.bind(cmd)
	cmd.Flags().StringVarP(&ref, "generation", "g", "", "Build generation name or host generation number")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	_ = cmd.MarkFlagRequired("generation")
	return cmd
}
