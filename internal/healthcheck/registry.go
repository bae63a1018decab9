package healthcheck

import (
	"encoding/json"
	"fmt"
	"sort"
)

type decoder func(data []byte) (Check, error)

var kinds = map[string]decoder{}

func register(kind string, d decoder) {
	if _, dup := kinds[kind]; dup {
		panic("healthcheck: duplicate kind " + kind)
	}
	kinds[kind] = d
}

func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode builds a check from its JSON declaration.
func Decode(data []byte) (Check, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode health check: %w", err)
	}
	d, ok := kinds[head.Type]
	if !ok {
		return nil, fmt.Errorf("decode health check: unknown type %q", head.Type)
	}
	c, err := d(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s health check: %w", head.Type, err)
	}
	return c, nil
}

// List is a JSON array of check declarations.
type List []Check

func (l *List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode health checks: %w", err)
	}
	out := make(List, 0, len(raw))
	for i, r := range raw {
		c, err := Decode(r)
		if err != nil {
			return fmt.Errorf("health check %d: %w", i, err)
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// Config is a machine's health check declaration.
type Config struct {
	// Systemd adds the default SystemState=running check.
	Systemd bool `json:"systemd"`
	Checks  List `json:"checks"`
}

// All returns the configured checks, the default systemd check first.
func (c Config) All() []Check {
	var out []Check
	if c.Systemd {
		out = append(out, DefaultSystemdCheck())
	}
	return append(out, c.Checks...)
}
