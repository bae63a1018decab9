package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"confctl/internal/cluster"
	"confctl/internal/generation"
	"confctl/internal/logging"
	"confctl/internal/swpins"
)

// ErrPinsNotReady is returned when a host's swpins need an update before
// it can be built. The error also wraps the *swpins.ValidationError.
var ErrPinsNotReady = errors.New("swpins are not ready to build")

// Options configures a build run.
type Options struct {
	Builder cluster.Builder
	Store   *generation.BuildStore
	// Retention returns the build generation policy of a host. Nil skips
	// rotation.
	Retention func(host string) generation.Policy
	Now       func() time.Time
	Logger    *slog.Logger
}

// Result is the build generation a host ended up with.
type Result struct {
	Host       string
	Group      string
	Generation *generation.BuildGeneration
	// Created is false when an identical generation already existed.
	Created bool
	Rotated []*generation.BuildGeneration
}

// Run builds hosts with their pin sets. Every pin set must be valid. The
// resulting generation of each host becomes its current build generation.
// Results are in host order.
func Run(ctx context.Context, opts Options, hosts []string, pinsets map[string]*swpins.PinSet) ([]Result, error) {
	log := logging.OrDefault(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sets := make([]*swpins.PinSet, 0, len(hosts))
	paths := make(map[string]map[string]string, len(hosts))
	for _, h := range hosts {
		ps, ok := pinsets[h]
		if !ok {
			return nil, fmt.Errorf("no swpins resolved for %s", h)
		}
		sets = append(sets, ps)
		paths[h] = ps.Paths()
	}
	if err := swpins.ReadyToBuild(sets...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPinsNotReady, err)
	}

	groups := GroupHosts(hosts, paths)
	log.Info("build plan", "hosts", len(hosts), "groups", len(groups))

	results := make(map[string]Result, len(hosts))
	for _, g := range groups {
		log.Debug("building group", "group", g.ID, "hosts", g.Hosts)
		artifacts, err := opts.Builder.Build(ctx, g.Hosts, g.Pins)
		if err != nil {
			return nil, fmt.Errorf("build group %s: %w", g.ID, err)
		}
		date := now()
		for _, h := range g.Hosts {
			if artifacts[h].Toplevel == "" {
				return nil, fmt.Errorf("build group %s: no toplevel for %s", g.ID, h)
			}
			res, err := record(ctx, opts, h, artifacts[h], pinsets[h], date)
			if err != nil {
				return nil, err
			}
			res.Group = g.ID
			results[h] = res
		}
	}

	out := make([]Result, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, results[h])
	}
	return out, nil
}

func record(ctx context.Context, opts Options, host string, art generation.Artifacts, ps *swpins.PinSet, date time.Time) (Result, error) {
	list, err := opts.Store.Load(host)
	if err != nil {
		return Result{}, err
	}

	pins := map[string]generation.Pin{}
	recs := ps.Records()
	for name, path := range ps.Paths() {
		pins[name] = generation.Pin{Path: path, Spec: recs[name]}
	}

	g, created, err := list.Add(ctx, art, pins, date)
	if err != nil {
		return Result{}, err
	}
	if err := list.SetCurrent(g); err != nil {
		return Result{}, err
	}
	res := Result{Host: host, Generation: g, Created: created}

	if opts.Retention != nil {
		res.Rotated, err = list.Rotate(ctx, opts.Retention(host), date)
		if err != nil {
			return res, fmt.Errorf("rotate build generations of %s: %w", host, err)
		}
	}
	return res, nil
}
