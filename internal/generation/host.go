package generation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"confctl/internal/remote"
)

// HostGeneration is a generation of a machine's system profile. It is
// read from the machine each time and never cached.
type HostGeneration struct {
	Host          string
	ID            int
	Toplevel      string
	Date          time.Time
	KernelVersion string
	Current       bool
}

func (g *HostGeneration) GenerationDate() time.Time { return g.Date }
func (g *HostGeneration) IsCurrent() bool           { return g.Current }

// HostList is the profile history of one machine, oldest first.
type HostList struct {
	Host      string
	transport remote.Transport
	target    remote.Target
	gens      []*HostGeneration
}

// QueryHost reads the system profile history of target.
func QueryHost(ctx context.Context, tr remote.Transport, target remote.Target) (*HostList, error) {
	out, err := remote.RunScript(ctx, tr, target, remote.ListGenerationsScript())
	if err != nil {
		return nil, fmt.Errorf("list generations of %s: %w", target.Name, err)
	}
	gens, err := parseHostGenerations(target.Name, out)
	if err != nil {
		return nil, err
	}
	return &HostList{Host: target.Name, transport: tr, target: target, gens: gens}, nil
}

func parseHostGenerations(host, out string) ([]*HostGeneration, error) {
	var (
		gens    []*HostGeneration
		current string
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "current "); ok {
			current = strings.TrimSpace(rest)
			continue
		}
		fields, ok := remote.ParseGenerationLine(line)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected generation line %q", host, line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s: generation id %q: %w", host, fields[0], err)
		}
		mtime, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: generation %d date %q: %w", host, id, fields[2], err)
		}
		g := &HostGeneration{Host: host, ID: id, Toplevel: fields[1], Date: time.Unix(mtime, 0)}
		if fields[3] != "-" {
			g.KernelVersion = fields[3]
		}
		gens = append(gens, g)
	}

	sort.SliceStable(gens, func(i, j int) bool { return gens[i].ID < gens[j].ID })
	// Several generations may share the live toplevel; the newest one is
	// the profile's current link.
	for i := len(gens) - 1; i >= 0; i-- {
		if gens[i].Toplevel == current {
			gens[i].Current = true
			break
		}
	}
	return gens, nil
}

func (l *HostList) All() []*HostGeneration { return slices.Clone(l.gens) }
func (l *HostList) Len() int               { return len(l.gens) }

func (l *HostList) Current() *HostGeneration {
	for _, g := range l.gens {
		if g.Current {
			return g
		}
	}
	return nil
}

func (l *HostList) Get(id int) (*HostGeneration, error) {
	for _, g := range l.gens {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%s: host generation %d: %w", l.Host, id, ErrNotFound)
}

// Remove deletes generations from the machine's profile with one remote
// command.
func (l *HostList) Remove(ctx context.Context, gens ...*HostGeneration) error {
	if len(gens) == 0 {
		return nil
	}
	ids := make([]string, 0, len(gens))
	for _, g := range gens {
		if g.Current {
			return fmt.Errorf("remove %s generation %d: %w", l.Host, g.ID, ErrCurrent)
		}
		ids = append(ids, strconv.Itoa(g.ID))
	}
	if _, err := remote.Run(ctx, l.transport, l.target, remote.DeleteGenerationsArgv(ids...)...); err != nil {
		return fmt.Errorf("remove generations of %s: %w", l.Host, err)
	}
	l.gens = slices.DeleteFunc(l.gens, func(g *HostGeneration) bool { return slices.Contains(gens, g) })
	return nil
}

// CollectGarbage runs the store garbage collector on the machine.
func (l *HostList) CollectGarbage(ctx context.Context) error {
	if _, err := remote.Run(ctx, l.transport, l.target, remote.CollectGarbageArgv()...); err != nil {
		return fmt.Errorf("collect garbage on %s: %w", l.Host, err)
	}
	return nil
}

// Rotate removes the generations selected by p and returns them.
func (l *HostList) Rotate(ctx context.Context, p Policy, now time.Time) ([]*HostGeneration, error) {
	sel := SelectForRotation(l.gens, p, now)
	if err := l.Remove(ctx, sel...); err != nil {
		return nil, err
	}
	return sel, nil
}
