package cmdutil

import (
	"github.com/spf13/cobra"

	"confctl/internal/cluster"
)

// SelectFlags select machines from positional host patterns plus
// --attr and --tag filters.
type SelectFlags struct {
	Attrs []string
	Tags  []string
}

func (f *SelectFlags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.Attrs, "attr", "a", nil, "Filter machines by attribute, key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&f.Tags, "tag", "t", nil, "Filter machines by tag (repeatable)")
}

// Selector combines the flags with host patterns.
func (f *SelectFlags) Selector(patterns []string) (cluster.Selector, error) {
	sel := cluster.Selector{Patterns: patterns, Tags: f.Tags}
	for _, a := range f.Attrs {
		k, v, err := cluster.ParseAttr(a)
		if err != nil {
			return cluster.Selector{}, err
		}
		if sel.Attrs == nil {
			sel.Attrs = map[string]string{}
		}
		sel.Attrs[k] = v
	}
	return sel, nil
}

// Names returns machine names in order.
func Names(machines []*cluster.Machine) []string {
	out := make([]string, len(machines))
	for i, m := range machines {
		out[i] = m.Name
	}
	return out
}
