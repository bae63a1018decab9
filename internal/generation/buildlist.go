package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"confctl/internal/check"
)

// BuildList is the build generation history of one host, oldest first.
type BuildList struct {
	store *BuildStore
	Host  string
	gens  []*BuildGeneration
}

func (l *BuildList) sort() {
	sort.SliceStable(l.gens, func(i, j int) bool {
		if l.gens[i].Date.Equal(l.gens[j].Date) {
			return l.gens[i].Name < l.gens[j].Name
		}
		return l.gens[i].Date.Before(l.gens[j].Date)
	})
}

func (l *BuildList) All() []*BuildGeneration { return slices.Clone(l.gens) }
func (l *BuildList) Len() int                { return len(l.gens) }

// Current returns the current generation, or nil.
func (l *BuildList) Current() *BuildGeneration {
	for _, g := range l.gens {
		if g.Current {
			return g
		}
	}
	return nil
}

func (l *BuildList) Get(name string) (*BuildGeneration, error) {
	for _, g := range l.gens {
		if g.Name == name {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%s: build generation %q: %w", l.Host, name, ErrNotFound)
}

// Find returns the newest generation built from the same toplevel and
// swpin paths, or nil.
func (l *BuildList) Find(toplevel string, swpinPaths map[string]string) *BuildGeneration {
	for i := len(l.gens) - 1; i >= 0; i-- {
		g := l.gens[i]
		if g.Toplevel == toplevel && maps.Equal(g.SwpinPaths(), swpinPaths) {
			return g
		}
	}
	return nil
}

// Add records a build. A generation with the same toplevel and swpin paths
// is reused instead of creating a duplicate; created reports which
// happened. Two builds within the same second share a name, and the later
// one replaces the earlier record.
func (l *BuildList) Add(ctx context.Context, art Artifacts, pins map[string]Pin, date time.Time) (g *BuildGeneration, created bool, err error) {
	check.NotEmpty(l.Host, "build list host")
	check.NotEmpty(art.Toplevel, "build toplevel")
	if art.Toplevel == "" {
		return nil, false, fmt.Errorf("add build generation for %s: empty toplevel", l.Host)
	}
	paths := make(map[string]string, len(pins))
	for n, p := range pins {
		paths[n] = p.Path
	}
	if existing := l.Find(art.Toplevel, paths); existing != nil {
		return existing, false, nil
	}

	unlock, err := l.store.lock(l.Host)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	name := date.Format(NameLayout)
	g = &BuildGeneration{
		Host:          l.Host,
		Name:          name,
		Date:          date,
		Toplevel:      art.Toplevel,
		AutoRollback:  art.AutoRollback,
		KernelVersion: art.KernelVersion,
		Swpins:        maps.Clone(pins),
		dir:           filepath.Join(l.store.hostDir(l.Host), name),
	}
	if g.Swpins == nil {
		g.Swpins = map[string]Pin{}
	}

	if l.store.Roots != nil {
		if err := l.store.Roots.RegisterRoots(ctx, g.ID(), g.rootPaths()); err != nil {
			return nil, false, fmt.Errorf("create generation %s: %w", g.ID(), err)
		}
	}
	if err := writeGeneration(g); err != nil {
		l.abandon(ctx, g)
		return nil, false, fmt.Errorf("create generation %s: %w", g.ID(), err)
	}

	l.gens = slices.DeleteFunc(l.gens, func(o *BuildGeneration) bool { return o.Name == name })
	l.gens = append(l.gens, g)
	l.sort()
	l.store.logger().Info("recorded build generation", "host", l.Host, "generation", name, "toplevel", g.Toplevel)
	return g, true, nil
}

// abandon cleans up a generation whose descriptor could not be written.
func (l *BuildList) abandon(ctx context.Context, g *BuildGeneration) {
	if l.store.Roots != nil {
		if err := l.store.Roots.UnregisterRoots(ctx, g.ID()); err != nil {
			l.store.logger().Warn("keeping gc roots of incomplete generation", "generation", g.ID(), "err", err)
			return
		}
	}
	_ = os.RemoveAll(g.dir)
}

func writeGeneration(g *BuildGeneration) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return err
	}

	links := map[string]string{"toplevel": g.Toplevel}
	if g.AutoRollback != "" {
		links["auto-rollback"] = g.AutoRollback
	}
	for n, p := range g.Swpins {
		if p.Path != "" {
			links["swpin."+n] = p.Path
		}
	}
	for name, target := range links {
		link := filepath.Join(g.dir, name)
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Symlink(target, link); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(descriptor{
		Date:          g.Date,
		Toplevel:      g.Toplevel,
		AutoRollback:  g.AutoRollback,
		KernelVersion: g.KernelVersion,
		Swpins:        g.Swpins,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(g.dir, descriptorFile), append(data, '\n'))
}

// SetCurrent makes g the host's only current generation. The marker file
// is replaced atomically before the in-memory flags change, so a failed
// write leaves the previous current generation in place.
func (l *BuildList) SetCurrent(g *BuildGeneration) error {
	if _, err := l.Get(g.Name); err != nil {
		return err
	}

	unlock, err := l.store.lock(l.Host)
	if err != nil {
		return err
	}
	defer unlock()

	marker := filepath.Join(l.store.hostDir(l.Host), currentFile)
	if err := writeFileAtomic(marker, []byte(g.Name+"\n")); err != nil {
		return fmt.Errorf("set current generation of %s: %w", l.Host, err)
	}
	for _, o := range l.gens {
		o.Current = o.Name == g.Name
	}
	return nil
}

// Remove destroys a generation: its GC roots are unregistered first, and
// only then are its links and directory removed. If unregistering fails
// nothing is unlinked.
func (l *BuildList) Remove(ctx context.Context, g *BuildGeneration) error {
	if g.Current {
		return fmt.Errorf("remove %s: %w", g.ID(), ErrCurrent)
	}

	unlock, err := l.store.lock(l.Host)
	if err != nil {
		return err
	}
	defer unlock()

	if l.store.Roots != nil {
		if err := l.store.Roots.UnregisterRoots(ctx, g.ID()); err != nil {
			return fmt.Errorf("remove %s: %w", g.ID(), err)
		}
	}
	if err := os.RemoveAll(g.dir); err != nil {
		return fmt.Errorf("remove %s: %w", g.ID(), err)
	}

	l.gens = slices.DeleteFunc(l.gens, func(o *BuildGeneration) bool { return o == g })
	l.store.logger().Info("removed build generation", "host", l.Host, "generation", g.Name)
	return nil
}

// Rotate removes the generations selected by p and returns them.
func (l *BuildList) Rotate(ctx context.Context, p Policy, now time.Time) ([]*BuildGeneration, error) {
	var removed []*BuildGeneration
	for _, g := range SelectForRotation(l.gens, p, now) {
		if err := l.Remove(ctx, g); err != nil {
			return removed, err
		}
		removed = append(removed, g)
	}
	return removed, nil
}
