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

// UpdateRef is the ref a spec declares it updates to, or "".
func UpdateRef(s swpins.Spec) string {
	u, _ := s.Declared()["update"].(map[string]any)
	ref, _ := u["ref"].(string)
	return ref
}

func changelogCmd(flags *cmdutil.Flags, sc scope, diff bool) *cobra.Command {
	var (
		to   string
		opts swpins.ChangelogOptions
	)

	verb, short := "changelog", "Show commits between the pinned revision and another"
	if diff {
		verb, short = "diff", "Show the source diff between the pinned revision and another"
	}

	cmd := &cobra.Command{
		Use:   sc.usage(verb, true, ""),
		Short: short,
		Args:  cobra.MaximumNArgs(sc.args()),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ownerPattern, specPattern := sc.patterns(args)
			sets, err := sc.load(cmd.Context(), app, ownerPattern)
			if err != nil {
				return err
			}
			entries, err := Entries(sets, specPattern)
			if err != nil {
				return err
			}

			env := app.SwpinsEnv()
			var errs []error
			for _, e := range entries {
				out, err := changelog(cmd.Context(), env, e.Spec, to, opts, diff)
				switch {
				case errors.Is(err, swpins.ErrChangelogUnsupported), errors.Is(err, swpins.ErrNoUpdateRef):
					if specPattern == e.Spec.Name() {
						errs = append(errs, err)
					}
					continue
				case err != nil:
					fmt.Println(ui.ErrorMsg("%s %s: %v", e.Owner, e.Spec.Name(), err))
					errs = append(errs, err)
					continue
				}
				fmt.Println(ui.Bold(fmt.Sprintf("%s: %s", e.Owner, e.Spec.Name())))
				fmt.Println(out)
				fmt.Println()
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Revision to compare with (default: the declared update ref)")
	cmd.Flags().BoolVarP(&opts.Downgrade, "downgrade", "d", false, "Treat the other revision as older")
	cmd.Flags().BoolVarP(&opts.Patch, "patch", "p", false, "Include patches")
	cmd.Flags().StringArrayVar(&opts.Paths, "path", nil, "Limit output to a path in the source (repeatable)")
	return cmd
}

func changelog(ctx context.Context, env *swpins.Env, s swpins.Spec, to string, opts swpins.ChangelogOptions, diff bool) (string, error) {
	if to == "" {
		to = UpdateRef(s)
	}
	if to == "" {
		return "", fmt.Errorf("%s: %w", s.Name(), swpins.ErrNoUpdateRef)
	}
	if diff {
		return s.Diff(ctx, env, to, opts)
	}
	return s.Changelog(ctx, env, to, opts)
}
