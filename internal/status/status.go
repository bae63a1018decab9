// Package status compares what machines run with what they should run.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"confctl/internal/executor"
	"confctl/internal/generation"
	"confctl/internal/logging"
	"confctl/internal/remote"
	"confctl/internal/swpins"
)

// Verdict summarizes a machine's status.
type Verdict string

const (
	UpToDate Verdict = "up-to-date"
	Outdated Verdict = "outdated"
	Offline  Verdict = "offline"
	// Unknown means there is nothing to compare against.
	Unknown Verdict = "unknown"
)

// Want is the configuration a machine should run.
type Want struct {
	Generation string
	Toplevel   string
	// Swpins maps swpin names to versions.
	Swpins map[string]string
}

// WantGeneration derives the wanted state from a build generation.
func WantGeneration(g *generation.BuildGeneration) Want {
	w := Want{Generation: g.Name, Toplevel: g.Toplevel, Swpins: map[string]string{}}
	for name, pin := range g.Swpins {
		w.Swpins[name] = pin.Spec.Version()
	}
	return w
}

// Subject is a machine to query.
type Subject struct {
	Target remote.Target
	Want   Want
}

// Status is a snapshot of one machine.
type Status struct {
	Host     string
	Online   bool
	Uptime   time.Duration
	Toplevel string
	// Swpins maps deployed swpin names to versions.
	Swpins      map[string]string
	Want        Want
	Generations *generation.HostList
	Err         error
}

func (s *Status) Verdict() Verdict {
	switch {
	case !s.Online:
		return Offline
	case s.Want.Toplevel == "":
		return Unknown
	case s.Toplevel != s.Want.Toplevel || len(s.OutdatedSwpins()) > 0:
		return Outdated
	default:
		return UpToDate
	}
}

// OutdatedSwpins lists swpins whose deployed version differs from the
// wanted one, sorted.
func (s *Status) OutdatedSwpins() []string {
	var out []string
	for name, want := range s.Want.Swpins {
		if s.Swpins[name] != want {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Options tunes a query.
type Options struct {
	Concurrency int
	// Generations also lists each machine's profile generations.
	Generations bool
	Logger      *slog.Logger
}

// Query snapshots one machine. Failures are recorded in the status.
func Query(ctx context.Context, tr remote.Transport, s Subject, opts Options) *Status {
	st := &Status{Host: s.Target.Name, Want: s.Want, Swpins: map[string]string{}}
	out, err := remote.RunScript(ctx, tr, s.Target, remote.StatusScript())
	if err != nil {
		st.Err = err
		logging.OrDefault(opts.Logger).Debug("machine offline", "host", st.Host, "err", err)
		return st
	}
	st.Online = true
	if err := parseStatus(out, st); err != nil {
		st.Err = err
		return st
	}
	if opts.Generations {
		st.Generations, st.Err = generation.QueryHost(ctx, tr, s.Target)
	}
	return st
}

// QueryAll snapshots machines concurrently. Statuses are in subject order.
func QueryAll(ctx context.Context, tr remote.Transport, subjects []Subject, opts Options) []*Status {
	workers := opts.Concurrency
	if workers < 1 {
		workers = len(subjects)
	}
	results := executor.Map(workers, subjects, func(s Subject) (*Status, error) {
		return Query(ctx, tr, s, opts), nil
	})
	out := make([]*Status, len(subjects))
	for i, r := range results {
		out[i] = r.Value
		if r.Err != nil {
			out[i] = &Status{Host: subjects[i].Target.Name, Want: subjects[i].Want, Err: r.Err}
		}
	}
	return out
}

func parseStatus(out string, st *Status) error {
	parts := strings.SplitN(out, "\n--\n", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%s: unexpected status output", st.Host)
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return fmt.Errorf("%s: uptime %q: %w", st.Host, parts[0], err)
	}
	st.Uptime = time.Duration(secs * float64(time.Second))
	st.Toplevel = strings.TrimSpace(parts[1])

	var info map[string]swpins.Record
	if err := json.Unmarshal([]byte(parts[2]), &info); err != nil {
		return fmt.Errorf("%s: swpins info: %w", st.Host, err)
	}
	for name, rec := range info {
		st.Swpins[name] = rec.Version()
	}
	return nil
}
