package generationcmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/generation"
)

// Rotated is one generation removed (or, on a dry run, selected) by a
// rotation.
type Rotated struct {
	Host string
	Side generation.Presence
	Name string
	Date time.Time
}

func rotateCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		sel    cmdutil.SelectFlags
		scope  scopeFlags
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "rotate [host-pattern...]",
		Short: "Delete generations outside the retention policy",
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

			var rotated []Rotated
			var errs []error
			err = ui.RunWithSpinner(cmd.Context(), "Rotating generations", func(ctx context.Context) error {
				hs, err := loadHistories(ctx, app, machines, scope.presence())
				if err != nil {
					return err
				}
				for _, h := range hs {
					r, err := rotate(ctx, app, h, dryRun)
					rotated = append(rotated, r...)
					if err != nil {
						errs = append(errs, err)
					}
				}
				warnUnreachable(hs)
				return nil
			})
			if err != nil {
				return err
			}

			if len(rotated) == 0 {
				fmt.Println(ui.InfoMsg("Nothing to rotate"))
			} else {
				if dryRun {
					fmt.Println(ui.InfoMsg("Would remove %d generations", len(rotated)))
				}
				fmt.Println(RotatedTable(rotated, app.Now()))
			}
			return errors.Join(errs...)
		},
	}
	sel.Bind(cmd)
	scope.bind(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be removed")
	return cmd
}

func rotate(ctx context.Context, app *cmdutil.App, h *history, dryRun bool) ([]Rotated, error) {
	m := h.machine
	now := app.Now()
	var out []Rotated

	if h.builds != nil {
		p := m.Generations.Build.Policy(app.Settings.Generations.Build)
		var gens []*generation.BuildGeneration
		if dryRun {
			gens = generation.SelectForRotation(h.builds.All(), p, now)
		} else {
			var err error
			if gens, err = h.builds.Rotate(ctx, p, now); err != nil {
				return out, err
			}
		}
		for _, g := range gens {
			out = append(out, Rotated{Host: m.Name, Side: generation.PresenceBuild, Name: g.Name, Date: g.Date})
		}
	}

	if h.hosts != nil {
		p := app.HostRetention(m)
		var gens []*generation.HostGeneration
		if dryRun {
			gens = generation.SelectForRotation(h.hosts.All(), p, now)
		} else {
			var err error
			if gens, err = h.hosts.Rotate(ctx, p, now); err != nil {
				return out, err
			}
		}
		for _, g := range gens {
			out = append(out, Rotated{Host: m.Name, Side: generation.PresenceHost, Name: strconv.Itoa(g.ID), Date: g.Date})
		}
		if !dryRun && len(gens) > 0 && m.Generations.CollectGarbage {
			if err := h.hosts.CollectGarbage(ctx); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func RotatedTable(rotated []Rotated, now time.Time) string {
	rows := make([][]string, len(rotated))
	for i, r := range rotated {
		rows[i] = []string{r.Host, r.Side.String(), r.Name, ui.Since(now, r.Date)}
	}
	return ui.Table([]string{"Host", "Side", "Generation", "Age"}, rows)
}
