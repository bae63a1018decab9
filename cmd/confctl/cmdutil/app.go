// Package cmdutil builds the objects every confctl command shares from the
// operator settings: transport, stores, pin sets and the evaluated
// inventory.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"confctl/config"
	"confctl/internal/adapter/sqlite"
	"confctl/internal/cluster"
	"confctl/internal/command"
	"confctl/internal/generation"
	"confctl/internal/logging"
	"confctl/internal/remote"
	"confctl/internal/swpins"
)

// Flags are the root persistent flags.
type Flags struct {
	Config        string
	Debug         bool
	NoInteraction bool
}

// App is the per-invocation context handed to commands.
type App struct {
	Settings  *config.Settings
	Runner    command.Runner
	Transport remote.Transport
	Logger    *slog.Logger
	Now       func() time.Time

	db        *sqlite.Store
	inventory *cluster.Inventory
}

// Load reads the settings named by flags, or looks for them from the
// working directory.
func Load(flags *Flags) (*App, error) {
	var (
		s   *config.Settings
		err error
	)
	if flags != nil && flags.Config != "" {
		s, err = config.Load(flags.Config)
	} else {
		var wd string
		if wd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		s, err = config.Find(wd)
	}
	if err != nil {
		return nil, err
	}
	if flags == nil || !flags.Debug {
		if err := logging.Configure(s.LogLevel); err != nil {
			return nil, err
		}
	}
	return New(s, command.Exec{}), nil
}

// New builds an App around settings and a process runner.
func New(s *config.Settings, runner command.Runner) *App {
	return &App{
		Settings:  s,
		Runner:    runner,
		Transport: remote.NewSSH(runner, s.SSHOptions()),
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

// Close releases the database, if it was opened.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// DB opens the sqlite index on first use.
func (a *App) DB() (*sqlite.Store, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := os.MkdirAll(a.Settings.StatePath(), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sqlite.Open(a.Settings.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *App) Swpins() swpins.Store {
	return swpins.Store{Dir: a.Settings.SwpinsDir()}
}

// SwpinsEnv is the environment for prefetches and changelogs.
func (a *App) SwpinsEnv() *swpins.Env {
	return &swpins.Env{Runner: a.Runner, MirrorDir: a.Settings.MirrorDir(), Now: a.Now, Logger: a.Logger}
}

func (a *App) Core() (*swpins.PinSet, error) {
	return swpins.LoadCore(a.Swpins(), a.Settings.Core)
}

// BuildStore opens the build generation store backed by the GC-root
// registry.
func (a *App) BuildStore() (*generation.BuildStore, error) {
	db, err := a.DB()
	if err != nil {
		return nil, err
	}
	return &generation.BuildStore{Dir: a.Settings.GenerationsDir(), Roots: db, Logger: a.Logger}, nil
}

func (a *App) Evaluator() cluster.Evaluator {
	return &cluster.CommandEvaluator{
		Runner: a.Runner,
		Argv:   a.Settings.Evaluator.Command,
		Dir:    a.Settings.Dir,
		Retention: cluster.RetentionDefaults{
			Build: a.Settings.Generations.Build,
			Host:  a.Settings.Generations.Host,
		},
		Logger: a.Logger,
	}
}

func (a *App) Builder() cluster.Builder {
	return &cluster.CommandBuilder{Runner: a.Runner, Argv: a.Settings.Evaluator.Builder, Dir: a.Settings.Dir, Logger: a.Logger}
}

// Inventory evaluates the deployment once per invocation. The core swpins
// must be resolved first since the evaluator builds with them.
func (a *App) Inventory(ctx context.Context) (*cluster.Inventory, error) {
	if a.inventory != nil {
		return a.inventory, nil
	}
	core, err := a.Core()
	if err != nil {
		return nil, err
	}
	if err := swpins.ReadyToBuild(core); err != nil {
		return nil, fmt.Errorf("core swpins: %w (run confctl swpins core update)", err)
	}
	inv, err := a.Evaluator().Inventory(ctx, core.Paths())
	if err != nil {
		return nil, err
	}
	a.inventory = inv
	return inv, nil
}

// Select evaluates the inventory and picks machines.
func (a *App) Select(ctx context.Context, sel cluster.Selector) ([]*cluster.Machine, error) {
	inv, err := a.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	machines, err := inv.Select(sel)
	if err != nil {
		return nil, err
	}
	if len(machines) == 0 {
		return nil, ErrNoMachines
	}
	return machines, nil
}

// ErrNoMachines is returned when a selection matches nothing.
var ErrNoMachines = errors.New("no machines selected")

// BuildRetention returns the build generation policy of a machine.
func (a *App) BuildRetention(inv *cluster.Inventory) func(host string) generation.Policy {
	return func(host string) generation.Policy {
		m, ok := inv.Machine(host)
		if !ok {
			return a.Settings.Generations.Build
		}
		return m.Generations.Build.Policy(a.Settings.Generations.Build)
	}
}

// HostRetention returns the host generation policy of a machine.
func (a *App) HostRetention(m *cluster.Machine) generation.Policy {
	return m.Generations.Host.Policy(a.Settings.Generations.Host)
}

func (a *App) Target(m *cluster.Machine) remote.Target {
	return m.RemoteTarget(a.Settings.SSHOptions())
}
