package cluster

import (
	"errors"
	"fmt"
	"sort"

	"confctl/internal/generation"
	"confctl/internal/swpins"
)

// Inventory is the evaluated deployment: machines and the channels they
// draw swpins from.
type Inventory struct {
	Machines []*Machine                               `json:"machines"`
	Channels map[string]map[string]swpins.Declaration `json:"channels"`
}

// RetentionDefaults are the configured policies that machine retention
// overrides merge over.
type RetentionDefaults struct {
	Build generation.Policy
	Host  generation.Policy
}

// Validate checks machine names are unique and non-empty, that every
// referenced channel is declared and that each machine's retention
// overrides, merged over defaults, form valid policies. Machines are
// sorted by name.
func (inv *Inventory) Validate(defaults RetentionDefaults) error {
	seen := map[string]bool{}
	for i, m := range inv.Machines {
		if m == nil || m.Name == "" {
			return &ConfigError{Err: fmt.Errorf("machine %d has no name", i)}
		}
		if seen[m.Name] {
			return &ConfigError{Machine: m.Name, Err: errors.New("declared twice")}
		}
		seen[m.Name] = true
		for _, ch := range m.Swpins.Channels {
			if _, ok := inv.Channels[ch]; !ok {
				return &ConfigError{Machine: m.Name, Err: fmt.Errorf("unknown swpin channel %q", ch)}
			}
		}
		if err := m.Generations.Build.Policy(defaults.Build).Validate(); err != nil {
			return &ConfigError{Machine: m.Name, Err: fmt.Errorf("build generation retention: %w", err)}
		}
		if err := m.Generations.Host.Policy(defaults.Host).Validate(); err != nil {
			return &ConfigError{Machine: m.Name, Err: fmt.Errorf("host generation retention: %w", err)}
		}
	}
	sort.SliceStable(inv.Machines, func(i, j int) bool { return inv.Machines[i].Name < inv.Machines[j].Name })
	return nil
}

func (inv *Inventory) Machine(name string) (*Machine, bool) {
	for _, m := range inv.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// ChannelNames returns declared channel names, sorted.
func (inv *Inventory) ChannelNames() []string {
	out := make([]string, 0, len(inv.Channels))
	for n := range inv.Channels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Channel loads one channel pin set.
func (inv *Inventory) Channel(store swpins.Store, name string) (*swpins.PinSet, error) {
	decls, ok := inv.Channels[name]
	if !ok {
		return nil, &ConfigError{Err: fmt.Errorf("unknown swpin channel %q", name)}
	}
	return swpins.LoadChannel(store, name, decls)
}

// ResolvePins resolves the pin set of every given machine. Each channel is
// loaded once and shared.
func (inv *Inventory) ResolvePins(store swpins.Store, machines []*Machine) (map[string]*swpins.PinSet, error) {
	channels := map[string]*swpins.PinSet{}
	out := make(map[string]*swpins.PinSet, len(machines))
	for _, m := range machines {
		var refs []*swpins.PinSet
		for _, name := range m.Swpins.Channels {
			ch, ok := channels[name]
			if !ok {
				var err error
				if ch, err = inv.Channel(store, name); err != nil {
					return nil, err
				}
				channels[name] = ch
			}
			refs = append(refs, ch)
		}
		ps, err := swpins.ResolveMachine(store, m.Name, refs, m.Swpins.Pins)
		if err != nil {
			return nil, err
		}
		out[m.Name] = ps
	}
	return out, nil
}
