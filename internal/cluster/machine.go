// Package cluster models the fleet as reported by the external evaluator:
// machines, channels and the commands that evaluate and build them.
package cluster

import (
	"fmt"
	"strings"
	"time"

	"confctl/internal/generation"
	"confctl/internal/healthcheck"
	"confctl/internal/remote"
	"confctl/internal/swpins"
)

// Address is where a machine is reached. Local machines are the
// orchestrating machine itself.
type Address struct {
	Host  string `json:"host"`
	Port  int    `json:"port,omitempty"`
	User  string `json:"user,omitempty"`
	Local bool   `json:"local,omitempty"`
}

// Retention overrides the retention policy of one generation kind. Unset
// fields fall back to the configured defaults.
type Retention struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
	// MaxAge is in seconds.
	MaxAge *int64 `json:"maxAge,omitempty"`
}

// Policy merges r over defaults.
func (r *Retention) Policy(defaults generation.Policy) generation.Policy {
	p := defaults
	if r == nil {
		return p
	}
	if r.Min != nil {
		p.Min = *r.Min
	}
	if r.Max != nil {
		p.Max = *r.Max
	}
	if r.MaxAge != nil {
		p.MaxAge = time.Duration(*r.MaxAge) * time.Second
	}
	return p
}

type Generations struct {
	Build *Retention `json:"build,omitempty"`
	Host  *Retention `json:"host,omitempty"`
	// CollectGarbage runs the store garbage collector on the machine
	// after host generations are rotated.
	CollectGarbage bool `json:"collectGarbage,omitempty"`
}

// Pins declares which swpins a machine builds with.
type Pins struct {
	Channels []string                      `json:"channels,omitempty"`
	Pins     map[string]swpins.Declaration `json:"pins,omitempty"`
}

// Machine is one fleet member. It is a snapshot loaded once per run.
type Machine struct {
	Name         string             `json:"name"`
	Managed      bool               `json:"managed"`
	Target       Address            `json:"target"`
	Tags         []string           `json:"tags,omitempty"`
	Attrs        map[string]any     `json:"attrs,omitempty"`
	Generations  Generations        `json:"generations"`
	HealthChecks healthcheck.Config `json:"healthChecks"`
	Swpins       Pins               `json:"swpins"`
	AutoRollback bool               `json:"autoRollback,omitempty"`
}

// RemoteTarget returns the transport address of m, filling unset fields
// from the ssh defaults.
func (m *Machine) RemoteTarget(defaults remote.SSHOptions) remote.Target {
	t := remote.Target{
		Name:  m.Name,
		Host:  m.Target.Host,
		Port:  m.Target.Port,
		User:  m.Target.User,
		Local: m.Target.Local,
	}
	if t.Host == "" {
		t.Host = m.Name
	}
	if t.Port == 0 {
		t.Port = defaults.Port
	}
	if t.User == "" {
		t.User = defaults.User
	}
	return t
}

func (m *Machine) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Attr looks up a dotted attribute path such as "host.location".
func (m *Machine) Attr(path string) (any, bool) {
	var cur any = m.Attrs
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// ConfigError reports an inconsistent inventory.
type ConfigError struct {
	Machine string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Machine == "" {
		return fmt.Sprintf("inventory: %v", e.Err)
	}
	return fmt.Sprintf("machine %s: %v", e.Machine, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
