package swpins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Declaration is a spec as declared in the deployment configuration.
type Declaration struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options"`
}

// Fetcher identifies how the build system fetches a resolved spec.
type Fetcher struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options"`
}

// Record is the persisted state of one spec. NixOptions are the declared
// options the state was produced under.
type Record struct {
	Type       string         `json:"type"`
	NixOptions map[string]any `json:"nix_options"`
	State      map[string]any `json:"state,omitempty"`
	Info       map[string]any `json:"info,omitempty"`
	Fetcher    *Fetcher       `json:"fetcher,omitempty"`
}

func (r Record) clone() Record {
	out := Record{
		Type:       r.Type,
		NixOptions: cloneMap(r.NixOptions),
		State:      cloneMap(r.State),
		Info:       cloneMap(r.Info),
	}
	if r.Fetcher != nil {
		out.Fetcher = &Fetcher{Type: r.Fetcher.Type, Options: cloneMap(r.Fetcher.Options)}
	}
	return out
}

// cloneMap deep-copies a JSON-shaped map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// optionsEqual compares two option maps structurally. Both sides are
// compared through their canonical JSON encoding so numbers decoded from
// different sources compare equal.
func optionsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func stringOpt(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolOpt(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intOpt(m map[string]any, key string) (int64, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

func mapOpt(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func stampDate(state map[string]any, now time.Time) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	state["date"] = now.UTC().Format(time.RFC3339)
	return state
}

func recordedDate(state map[string]any) (time.Time, bool) {
	s := stringOpt(state, "date")
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Version returns the short version of a persisted record: the abbreviated
// revision for revision-pinned types, the path otherwise.
func (r Record) Version() string {
	if rev := stringOpt(r.Info, "rev"); rev != "" {
		return shortRev(rev)
	}
	return stringOpt(r.Info, "path")
}
