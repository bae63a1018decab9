package swpinscmd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"confctl/cmd/confctl/cmdutil"
	"confctl/cmd/confctl/ui"
	"confctl/internal/cluster"
	"confctl/internal/swpins"
)

// Cmd returns "confctl swpins".
func Cmd(flags *cmdutil.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swpins",
		Short: "Manage pinned software sources",
	}

	core := &cobra.Command{Use: "core", Short: "Swpins the deployment is evaluated with"}
	core.AddCommand(
		lsCmd(flags, coreScope),
		setCmd(flags, coreScope),
		updateCmd(flags, coreScope),
	)

	channel := &cobra.Command{Use: "channel", Short: "Swpins shared by machines through channels"}
	channel.AddCommand(
		lsCmd(flags, channelScope),
		setCmd(flags, channelScope),
		updateCmd(flags, channelScope),
		changelogCmd(flags, channelScope, false),
		changelogCmd(flags, channelScope, true),
	)

	clusterCmd := &cobra.Command{Use: "cluster", Short: "Swpins of individual machines"}
	clusterCmd.AddCommand(
		lsCmd(flags, clusterScope),
		setCmd(flags, clusterScope),
		updateCmd(flags, clusterScope),
		changelogCmd(flags, clusterScope, false),
		changelogCmd(flags, clusterScope, true),
	)

	cmd.AddCommand(core, channel, clusterCmd, autoUpdateCmd(flags))
	return cmd
}

// scope is one kind of pin set owner. load returns the pin sets whose
// owner name matches pattern.
type scope struct {
	kind swpins.Kind
	// owner names the owner argument in usage lines.
	owner string
	load  func(ctx context.Context, app *cmdutil.App, pattern string) ([]*swpins.PinSet, error)
}

var (
	coreScope    = scope{kind: swpins.KindCore, load: coreOwners}
	channelScope = scope{kind: swpins.KindChannel, owner: "channel", load: channelOwners}
	clusterScope = scope{kind: swpins.KindCluster, owner: "host", load: clusterOwners}
)

// usage renders a usage line. Core has a single owner and takes no owner
// argument.
func (sc scope) usage(verb string, optional bool, rest string) string {
	owner := ""
	switch {
	case sc.owner == "":
	case optional:
		owner = "[" + sc.owner + "-pattern "
	default:
		owner = strings.ToUpper(sc.owner) + " "
	}
	if optional {
		if owner == "" {
			return verb + " [sw-pattern]"
		}
		return verb + " " + owner + "[sw-pattern]]"
	}
	return verb + " " + owner + rest
}

// args is the number of positional arguments naming a single spec.
func (sc scope) args() int {
	if sc.owner == "" {
		return 1
	}
	return 2
}

func coreOwners(_ context.Context, app *cmdutil.App, _ string) ([]*swpins.PinSet, error) {
	core, err := app.Core()
	if err != nil {
		return nil, err
	}
	return []*swpins.PinSet{core}, nil
}

func channelOwners(ctx context.Context, app *cmdutil.App, pattern string) ([]*swpins.PinSet, error) {
	inv, err := app.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	var out []*swpins.PinSet
	for _, name := range inv.ChannelNames() {
		if pattern != "" {
			ok, err := path.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("invalid channel pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		ch, err := inv.Channel(app.Swpins(), name)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func clusterOwners(ctx context.Context, app *cmdutil.App, pattern string) ([]*swpins.PinSet, error) {
	inv, err := app.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	var sel cluster.Selector
	if pattern != "" {
		sel.Patterns = []string{pattern}
	}
	machines, err := app.Select(ctx, sel)
	if err != nil {
		return nil, err
	}
	pinsets, err := inv.ResolvePins(app.Swpins(), machines)
	if err != nil {
		return nil, err
	}
	out := make([]*swpins.PinSet, 0, len(machines))
	for _, m := range machines {
		out = append(out, pinsets[m.Name])
	}
	return out, nil
}

// patterns splits positional arguments into an owner pattern and a spec
// pattern.
func (sc scope) patterns(args []string) (owner, spec string) {
	if sc.owner == "" {
		if len(args) > 0 {
			spec = args[0]
		}
		return "", spec
	}
	if len(args) > 0 {
		owner = args[0]
	}
	if len(args) > 1 {
		spec = args[1]
	}
	return owner, spec
}

// Entry is one spec of one pin set.
type Entry struct {
	Owner string
	Spec  swpins.Spec
}

// Entries matches specPattern in every pin set.
func Entries(sets []*swpins.PinSet, specPattern string) ([]Entry, error) {
	var out []Entry
	for _, ps := range sets {
		specs, err := ps.Match(specPattern)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			out = append(out, Entry{Owner: ps.Owner(), Spec: s})
		}
	}
	return out, nil
}

func Table(entries []Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		version := e.Spec.Version()
		if version == "" {
			version = ui.Muted("unresolved")
		}
		channel := e.Spec.Channel()
		if channel == "" {
			channel = "-"
		}
		valid := ui.Bool(e.Spec.Valid())
		if !e.Spec.Valid() {
			valid = ui.Error("no")
		}
		rows[i] = []string{e.Owner, e.Spec.Name(), e.Spec.Type(), channel, valid, version}
	}
	return ui.Table([]string{"Owner", "Name", "Type", "Channel", "Valid", "Version"}, rows)
}

func lsCmd(flags *cmdutil.Flags, sc scope) *cobra.Command {
	return &cobra.Command{
		Use:   sc.usage("ls", true, ""),
		Short: "List swpins",
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
			fmt.Println(Table(entries))
			return nil
		},
	}
}

func setCmd(flags *cmdutil.Flags, sc scope) *cobra.Command {
	fixed := sc.args()
	return &cobra.Command{
		Use:   sc.usage("set", false, "SW [ARGS...]"),
		Short: "Pin a swpin to an explicit version",
		Args:  cobra.MinimumNArgs(fixed),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.Load(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			var ownerPattern string
			if fixed == 2 {
				ownerPattern = args[0]
			}
			name := args[fixed-1]
			specArgs := args[fixed:]

			sets, err := sc.load(cmd.Context(), app, ownerPattern)
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				return fmt.Errorf("no %s matches %q", sc.kind, ownerPattern)
			}
			env := app.SwpinsEnv()
			return ui.RunWithSpinner(cmd.Context(), fmt.Sprintf("Setting %s", name), func(ctx context.Context) error {
				for _, ps := range sets {
					if err := ps.Set(ctx, env, name, specArgs); err != nil {
						return err
					}
					if err := ps.Save(); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func updateCmd(flags *cmdutil.Flags, sc scope) *cobra.Command {
	return &cobra.Command{
		Use:   sc.usage("update", true, ""),
		Short: "Update swpins to their declared update ref",
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

			env := app.SwpinsEnv()
			var updated []Entry
			err = ui.RunWithSpinner(cmd.Context(), "Updating swpins", func(ctx context.Context) error {
				var errs []error
				for _, ps := range sets {
					n, err := updateSet(ctx, env, ps, specPattern)
					updated = append(updated, n...)
					if err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
			if len(updated) > 0 {
				fmt.Println(Table(updated))
			}
			return err
		},
	}
}

// updateSet updates the owned specs of ps matching pattern and saves ps if
// anything changed. Inherited specs are updated through their channel.
func updateSet(ctx context.Context, env *swpins.Env, ps *swpins.PinSet, pattern string) ([]Entry, error) {
	specs, err := ps.Match(pattern)
	if err != nil {
		return nil, err
	}
	var (
		updated []Entry
		errs    []error
	)
	for _, s := range specs {
		if s.Channel() != "" {
			continue
		}
		if !s.CanUpdate() && pattern != s.Name() {
			continue
		}
		if err := ps.Update(ctx, env, s.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		// Update replaces the recorded state; re-read the spec for output.
		if cur, ok := ps.Get(s.Name()); ok {
			updated = append(updated, Entry{Owner: ps.Owner(), Spec: cur})
		}
	}
	if len(updated) > 0 {
		if err := ps.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	return updated, errors.Join(errs...)
}
