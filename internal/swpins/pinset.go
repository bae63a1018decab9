package swpins

import (
	"context"
	"fmt"
	"path"
	"sort"
)

type Kind string

const (
	KindCore    Kind = "core"
	KindChannel Kind = "channel"
	KindCluster Kind = "cluster"
)

// PinSet is a named set of specs persisted as one file. Channels, machines
// and the deployment core each own one.
type PinSet struct {
	Kind  Kind
	Name  string
	specs map[string]Spec
	file  string
}

func (p *PinSet) Owner() string {
	if p.Kind == KindCore {
		return string(KindCore)
	}
	return string(p.Kind) + " " + p.Name
}

// Names returns spec names in sorted order.
func (p *PinSet) Names() []string {
	out := make([]string, 0, len(p.specs))
	for n := range p.specs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Specs returns specs sorted by name.
func (p *PinSet) Specs() []Spec {
	out := make([]Spec, 0, len(p.specs))
	for _, n := range p.Names() {
		out = append(out, p.specs[n])
	}
	return out
}

func (p *PinSet) Get(name string) (Spec, bool) {
	s, ok := p.specs[name]
	return s, ok
}

// Match returns the specs whose name matches a glob pattern. An empty
// pattern matches everything.
func (p *PinSet) Match(pattern string) ([]Spec, error) {
	if pattern == "" {
		return p.Specs(), nil
	}
	var out []Spec
	for _, s := range p.Specs() {
		ok, err := path.Match(pattern, s.Name())
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", pattern, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Invalid returns the specs that need an update before a build.
func (p *PinSet) Invalid() []Spec {
	var out []Spec
	for _, s := range p.Specs() {
		if !s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// Paths maps spec names to the fetched source paths.
func (p *PinSet) Paths() map[string]string {
	out := make(map[string]string, len(p.specs))
	for n, s := range p.specs {
		out[n] = s.Path()
	}
	return out
}

// Versions maps spec names to short versions.
func (p *PinSet) Versions() map[string]string {
	out := make(map[string]string, len(p.specs))
	for n, s := range p.specs {
		out[n] = s.Version()
	}
	return out
}

// Records returns the persisted form of every spec, inherited ones
// included.
func (p *PinSet) Records() map[string]Record {
	out := make(map[string]Record, len(p.specs))
	for n, s := range p.specs {
		out[n] = s.Record()
	}
	return out
}

// Save persists the specs the pin set owns. Specs inherited from channels
// live in the channel's file and are skipped.
func (p *PinSet) Save() error {
	recs := make(map[string]Record, len(p.specs))
	for n, s := range p.specs {
		if s.Channel() != "" {
			continue
		}
		rec := s.Record()
		if rec.Type == "" {
			continue
		}
		recs[n] = rec
	}
	if err := WriteRecords(p.file, recs); err != nil {
		return &ConfigError{Owner: p.Owner(), Err: err}
	}
	return nil
}

func (p *PinSet) owned(name string) (Spec, error) {
	s, ok := p.specs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", p.Owner(), name, ErrNotFound)
	}
	if s.Channel() != "" {
		return nil, fmt.Errorf("%s: %s (channel %s): %w", p.Owner(), name, s.Channel(), ErrInheritedSpec)
	}
	return s, nil
}

// Set prefetches a spec owned by the pin set with explicit arguments.
// Callers persist the pin set with Save afterwards.
func (p *PinSet) Set(ctx context.Context, env *Env, name string, args []string) error {
	s, err := p.owned(name)
	if err != nil {
		return err
	}
	return s.Prefetch(ctx, env, args)
}

// Update prefetches the declared update.ref of an owned spec.
func (p *PinSet) Update(ctx context.Context, env *Env, name string) error {
	s, err := p.owned(name)
	if err != nil {
		return err
	}
	return s.Update(ctx, env)
}

// AutoUpdate updates every owned spec that is due. It returns the names of
// updated specs.
func (p *PinSet) AutoUpdate(ctx context.Context, env *Env) ([]string, error) {
	var updated []string
	for _, s := range p.Specs() {
		if s.Channel() != "" {
			continue
		}
		did, err := s.AutoUpdate(ctx, env)
		if err != nil {
			return updated, fmt.Errorf("%s: %w", p.Owner(), err)
		}
		if did {
			updated = append(updated, s.Name())
		}
	}
	return updated, nil
}

func loadPinSet(store Store, kind Kind, name string, decls map[string]Declaration) (*PinSet, error) {
	ps := &PinSet{Kind: kind, Name: name, specs: map[string]Spec{}, file: store.path(kind, name)}
	recs, err := ReadRecords(ps.file)
	if err != nil {
		return nil, &ConfigError{Owner: ps.Owner(), Err: err}
	}
	for specName, decl := range decls {
		var rec *Record
		if r, ok := recs[specName]; ok {
			rec = &r
		}
		s, err := NewSpec(ps.Owner(), specName, decl, rec)
		if err != nil {
			return nil, err
		}
		ps.specs[specName] = s
	}
	return ps, nil
}

// LoadCore loads the pin set used to evaluate the deployment itself.
func LoadCore(store Store, decls map[string]Declaration) (*PinSet, error) {
	return loadPinSet(store, KindCore, "", decls)
}

// LoadChannel loads a channel's declared specs with their recorded state.
func LoadChannel(store Store, name string, decls map[string]Declaration) (*PinSet, error) {
	return loadPinSet(store, KindChannel, name, decls)
}

// ResolveMachine builds a machine's pin set: specs of the referenced
// channels in order, later channels overriding earlier ones, then the
// machine's own specs overriding all of them. Channel specs are copies
// tagged with their channel.
func ResolveMachine(store Store, machine string, channels []*PinSet, local map[string]Declaration) (*PinSet, error) {
	ps, err := loadPinSet(store, KindCluster, machine, local)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		for _, s := range ch.Specs() {
			if _, own := local[s.Name()]; own {
				continue
			}
			ps.specs[s.Name()] = s.inherit(ch.Name)
		}
	}
	return ps, nil
}

// ReadyToBuild returns a *ValidationError naming every invalid spec across
// the given pin sets, or nil when all are valid.
func ReadyToBuild(sets ...*PinSet) error {
	var invalid []string
	for _, ps := range sets {
		for _, s := range ps.Invalid() {
			label := ps.Owner() + "/" + s.Name()
			if s.Channel() != "" {
				label += " (channel " + s.Channel() + ")"
			}
			invalid = append(invalid, label)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return &ValidationError{Invalid: invalid}
}
