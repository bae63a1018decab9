package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Presence tells where a unified generation exists.
type Presence int

const (
	PresenceBuild Presence = 1 << iota
	PresenceHost
	PresenceBoth = PresenceBuild | PresenceHost
)

func (p Presence) String() string {
	switch p {
	case PresenceBuild:
		return "build"
	case PresenceHost:
		return "host"
	case PresenceBoth:
		return "build+host"
	default:
		return "none"
	}
}

// Unified correlates a build generation and a host generation of the same
// toplevel on the same host.
type Unified struct {
	Host     string
	Name     string
	ID       int
	Toplevel string
	Date     time.Time
	Current  bool
	Build    *BuildGeneration
	HostGen  *HostGeneration
}

func (u *Unified) Presence() Presence {
	var p Presence
	if u.Build != nil {
		p |= PresenceBuild
	}
	if u.HostGen != nil {
		p |= PresenceHost
	}
	return p
}

func (u *Unified) GenerationDate() time.Time { return u.Date }
func (u *Unified) IsCurrent() bool           { return u.Current }

type unifiedKey struct {
	host     string
	toplevel string
}

// UnifiedList merges build and host histories. Generations can be added in
// any order.
type UnifiedList struct {
	byKey map[unifiedKey]*Unified
}

func NewUnifiedList() *UnifiedList {
	return &UnifiedList{byKey: map[unifiedKey]*Unified{}}
}

func (l *UnifiedList) entry(host, toplevel string) *Unified {
	k := unifiedKey{host: host, toplevel: toplevel}
	u, ok := l.byKey[k]
	if !ok {
		u = &Unified{Host: host, Toplevel: toplevel}
		l.byKey[k] = u
	}
	return u
}

func (l *UnifiedList) AddBuild(g *BuildGeneration) *Unified {
	u := l.entry(g.Host, g.Toplevel)
	if u.Build == nil || g.Date.After(u.Build.Date) {
		u.Build = g
	}
	u.Name = u.Build.Name
	u.Date = u.Build.Date
	u.Current = u.Current || g.Current
	return u
}

func (l *UnifiedList) AddHost(g *HostGeneration) *Unified {
	u := l.entry(g.Host, g.Toplevel)
	if u.HostGen == nil || g.ID > u.HostGen.ID || g.Current {
		u.HostGen = g
	}
	u.ID = u.HostGen.ID
	if u.Build == nil {
		u.Name = g.Date.Format(NameLayout)
		u.Date = g.Date
	}
	u.Current = u.Current || g.Current
	return u
}

// AddBuildList and AddHostList add whole histories.
func (l *UnifiedList) AddBuildList(bl *BuildList) {
	for _, g := range bl.All() {
		l.AddBuild(g)
	}
}

func (l *UnifiedList) AddHostList(hl *HostList) {
	for _, g := range hl.All() {
		l.AddHost(g)
	}
}

func (l *UnifiedList) Len() int { return len(l.byKey) }

// All returns unified generations ordered by host, then date.
func (l *UnifiedList) All() []*Unified {
	out := make([]*Unified, 0, len(l.byKey))
	for _, u := range l.byKey {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Toplevel < out[j].Toplevel
	})
	return out
}

// Host returns the unified generations of one host, oldest first.
func (l *UnifiedList) Host(host string) []*Unified {
	var out []*Unified
	for _, u := range l.All() {
		if u.Host == host {
			out = append(out, u)
		}
	}
	return out
}

// Destroy removes the selected sides of u. Missing sides are skipped.
func Destroy(ctx context.Context, u *Unified, builds *BuildList, hosts *HostList, presence Presence) error {
	var errs []error
	if presence&PresenceBuild != 0 && u.Build != nil {
		if builds == nil {
			errs = append(errs, fmt.Errorf("%s: no build history loaded", u.Host))
		} else if err := builds.Remove(ctx, u.Build); err != nil {
			errs = append(errs, err)
		}
	}
	if presence&PresenceHost != 0 && u.HostGen != nil {
		if hosts == nil {
			errs = append(errs, fmt.Errorf("%s: no host history loaded", u.Host))
		} else if err := hosts.Remove(ctx, u.HostGen); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
