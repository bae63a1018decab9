package cluster

import (
	"fmt"
	"path"
	"strings"
)

// Selector picks machines from an inventory.
type Selector struct {
	// Patterns are shell globs on machine names. No patterns selects every
	// managed machine.
	Patterns []string
	// Attrs filters on dotted attribute paths; values compare as text.
	Attrs map[string]string
	Tags  []string
	// Unmanaged also selects unmanaged machines matched by a glob.
	Unmanaged bool
}

// ParseAttr parses a "key=value" attribute filter.
func ParseAttr(s string) (key, value string, err error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid attribute filter %q, want key=value", s)
	}
	return key, value, nil
}

// Select returns matching machines in inventory order. Unmanaged machines
// are only returned when named exactly by a pattern.
func (inv *Inventory) Select(sel Selector) ([]*Machine, error) {
	for _, p := range sel.Patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", p, err)
		}
	}

	var out []*Machine
	for _, m := range inv.Machines {
		named, matched := sel.match(m.Name)
		if !matched || (!m.Managed && !named && !sel.Unmanaged) {
			continue
		}
		if !sel.filter(m) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (sel Selector) match(name string) (named, matched bool) {
	if len(sel.Patterns) == 0 {
		return false, true
	}
	for _, p := range sel.Patterns {
		if p == name {
			return true, true
		}
		if ok, _ := path.Match(p, name); ok {
			matched = true
		}
	}
	return false, matched
}

func (sel Selector) filter(m *Machine) bool {
	for _, tag := range sel.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	for key, want := range sel.Attrs {
		v, ok := m.Attr(key)
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
