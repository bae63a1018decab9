// Package swpins resolves versioned software pins ("swpins"): external
// sources a build depends on, pinned by revision or content hash. Pins are
// grouped into pin sets owned by a channel, a machine or the deployment
// core, and each pin set persists to its own JSON file.
package swpins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"confctl/internal/command"
)

// Env carries the collaborators spec operations need.
type Env struct {
	Runner command.Runner
	// MirrorDir holds bare git mirrors used for changelogs and diffs.
	MirrorDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

func (e *Env) now() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) runner() command.Runner {
	if e == nil || e.Runner == nil {
		return command.Exec{}
	}
	return e.Runner
}

// ChangelogOptions tunes Changelog and Diff output.
type ChangelogOptions struct {
	// Downgrade forces the other revision to be treated as older.
	Downgrade bool
	// Patch includes patches in the changelog.
	Patch bool
	// Paths limits the log or diff to these paths.
	Paths []string
}

// NoChanges is the changelog of two identical revisions.
const NoChanges = "no changes"

// Spec is one pinned dependency. Implementations are registered per type
// discriminator with register.
type Spec interface {
	Name() string
	Type() string
	// Channel is the channel the spec was inherited from, or "" for specs
	// owned by their pin set.
	Channel() string
	Declared() map[string]any
	Record() Record

	// Valid reports whether the recorded state was produced under the
	// currently declared options.
	Valid() bool
	// Version is a short human-readable version, "" when unresolved.
	Version() string
	// Path is the fetched source path handed to the builder.
	Path() string
	CanUpdate() bool

	// Prefetch resolves the spec with explicit arguments (typically a ref)
	// and records the result.
	Prefetch(ctx context.Context, env *Env, args []string) error
	// Update prefetches the declared update.ref.
	Update(ctx context.Context, env *Env) error
	// AutoUpdate updates the spec if it opts into automatic updates and its
	// interval has elapsed. It reports whether an update happened.
	AutoUpdate(ctx context.Context, env *Env) (bool, error)

	Changelog(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error)
	Diff(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error)

	inherit(channel string) Spec
}

type constructor func(b *base) (Spec, error)

var kinds = map[string]constructor{}

func register(kind string, c constructor) {
	if _, dup := kinds[kind]; dup {
		panic("swpins: duplicate spec type " + kind)
	}
	kinds[kind] = c
}

// Types returns the registered spec type discriminators.
func Types() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewSpec builds a spec from its declaration and the previously recorded
// state, if any.
func NewSpec(owner, name string, decl Declaration, rec *Record) (Spec, error) {
	c, ok := kinds[decl.Type]
	if !ok {
		return nil, &ConfigError{Owner: owner, Spec: name, Err: fmt.Errorf("unknown spec type %q", decl.Type)}
	}
	b := &base{name: name, typ: decl.Type, declared: cloneMap(decl.Options)}
	if b.declared == nil {
		b.declared = map[string]any{}
	}
	if rec != nil {
		b.rec = rec.clone()
	}
	s, err := c(b)
	if err != nil {
		return nil, &ConfigError{Owner: owner, Spec: name, Err: err}
	}
	return s, nil
}

// base holds what every spec type shares.
type base struct {
	name     string
	typ      string
	channel  string
	declared map[string]any
	rec      Record
}

func (b *base) Name() string             { return b.name }
func (b *base) Type() string             { return b.typ }
func (b *base) Channel() string          { return b.channel }
func (b *base) Declared() map[string]any { return cloneMap(b.declared) }
func (b *base) Record() Record           { return b.rec.clone() }

func (b *base) Valid() bool {
	return b.rec.Type == b.typ &&
		optionsEqual(b.declared, b.rec.NixOptions) &&
		b.rec.Fetcher != nil
}

func (b *base) copyFor(channel string) *base {
	return &base{
		name:     b.name,
		typ:      b.typ,
		channel:  channel,
		declared: cloneMap(b.declared),
		rec:      b.rec.clone(),
	}
}

// stamp records a completed prefetch.
func (b *base) stamp(env *Env, state, info map[string]any, f Fetcher) {
	b.rec = Record{
		Type:       b.typ,
		NixOptions: cloneMap(b.declared),
		State:      stampDate(state, env.now()),
		Info:       info,
		Fetcher:    &f,
	}
}

func (b *base) infoString(key string) string {
	return stringOpt(b.rec.Info, key)
}

// updateOptions is the declared "update" attribute set.
type updateOptions struct {
	Ref      string
	Auto     bool
	Interval time.Duration
}

func parseUpdate(opts map[string]any) (updateOptions, error) {
	u := mapOpt(opts, "update")
	secs, err := intOpt(u, "interval")
	if err != nil {
		return updateOptions{}, err
	}
	return updateOptions{
		Ref:      stringOpt(u, "ref"),
		Auto:     boolOpt(u, "auto"),
		Interval: time.Duration(secs) * time.Second,
	}, nil
}

// dueForAutoUpdate decides whether an auto-updating spec should update now.
func (b *base) dueForAutoUpdate(env *Env, u updateOptions) bool {
	if !u.Auto || u.Ref == "" {
		return false
	}
	if !b.Valid() {
		return true
	}
	last, ok := recordedDate(b.rec.State)
	if u.Interval <= 0 || !ok {
		return true
	}
	return env.now().Sub(last) >= u.Interval
}
