package cmdutil

import (
	"context"

	"confctl/internal/build"
	"confctl/internal/cluster"
)

// Build resolves the swpins of machines and builds them, recording a
// current build generation per machine.
func (a *App) Build(ctx context.Context, inv *cluster.Inventory, machines []*cluster.Machine) ([]build.Result, error) {
	pinsets, err := inv.ResolvePins(a.Swpins(), machines)
	if err != nil {
		return nil, err
	}
	store, err := a.BuildStore()
	if err != nil {
		return nil, err
	}
	return build.Run(ctx, build.Options{
		Builder:   a.Builder(),
		Store:     store,
		Retention: a.BuildRetention(inv),
		Now:       a.Now,
		Logger:    a.Logger,
	}, Names(machines), pinsets)
}
