// Package deploy runs the deployment pipeline: copy closures to machines,
// activate them, optionally reboot, and health-check the result. Hosts are
// processed in bulk phases or one by one, with optional operator
// confirmation before every copy, activation and reboot.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"confctl/internal/adapter/sqlite"
	"confctl/internal/command"
	"confctl/internal/healthcheck"
	"confctl/internal/remote"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCopyConcurrency = 5
	DefaultRebootTimeout   = 10 * time.Minute
)

var (
	ErrNoHosts          = errors.New("no hosts to deploy")
	ErrRebootNeedsBoot  = errors.New("reboot requires the boot action")
	ErrUnknownAction    = errors.New("unknown activation action")
	ErrMissingToplevel  = errors.New("host has no toplevel to deploy")
	errRebootNotApplied = errors.New("boot id did not change")
)

// HostPlan is what to deploy to one host.
type HostPlan struct {
	Target   remote.Target
	Toplevel string
	// AutoRollback is the build carrying the watchdog. Empty deploys
	// without it.
	AutoRollback string
	Checks       []healthcheck.Check
	// Generation names the build generation being deployed, if any.
	Generation string
}

func (p HostPlan) Name() string { return p.Target.Name }

// Confirmer asks the operator whether to run a step on a host. A nil
// Confirmer runs every step.
type Confirmer interface {
	Confirm(ctx context.Context, host string, step Step) (bool, error)
}

// Journal records each host's outcome.
type Journal interface {
	RecordDeploy(ctx context.Context, e sqlite.DeployEntry) error
}

// Options configures a pipeline run.
type Options struct {
	// Action is passed to switch-to-configuration.
	Action   string
	Reboot   bool
	CopyOnly bool
	// OneByOne completes every step of a host before starting the next.
	OneByOne bool
	// KeepGoing records health check failures instead of failing the run.
	KeepGoing        bool
	SkipHealthChecks bool
	CopyConcurrency  int
	UseSubstitutes   bool

	Transport remote.Transport
	// Runner runs nix-copy-closure locally.
	Runner command.Runner
	SSH    remote.SSHOptions

	Confirmer Confirmer
	// Resolver makes health check failures interactive.
	Resolver               healthcheck.Resolver
	HealthCheckConcurrency int

	RebootTimeout time.Duration
	// RebootPoll is the first interval between boot id probes.
	RebootPoll time.Duration

	AutoRollbackTimeout time.Duration
	ProbeInterval       time.Duration

	Journal Journal
	Tracer  trace.Tracer
	// Events receives progress without blocking; events are dropped when
	// the channel is full. It is never closed.
	Events chan<- ProgressEvent
	Logger *slog.Logger
	Now    func() time.Time
}

// Validate checks the run preconditions.
func (o Options) Validate(hosts []HostPlan) error {
	switch o.Action {
	case remote.ActionSwitch, remote.ActionBoot, remote.ActionTest, remote.ActionDryActivate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, o.Action)
	}
	if len(hosts) == 0 {
		return ErrNoHosts
	}
	if o.Reboot && o.Action != remote.ActionBoot {
		return ErrRebootNeedsBoot
	}
	for _, h := range hosts {
		if h.Toplevel == "" {
			return fmt.Errorf("%s: %w", h.Name(), ErrMissingToplevel)
		}
	}
	return nil
}

// HealthChecksRequired reports whether hosts are health-checked after
// activation: always after switch and test, after boot only with a reboot.
func (o Options) HealthChecksRequired() bool {
	if o.SkipHealthChecks || o.CopyOnly {
		return false
	}
	switch o.Action {
	case remote.ActionSwitch, remote.ActionTest:
		return true
	case remote.ActionBoot:
		return o.Reboot
	default:
		return false
	}
}

// HostError is a step failure on one host.
type HostError struct {
	Host string
	Step Step
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Host, e.Step, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

// ProgressEvent reports a host state change.
type ProgressEvent struct {
	RunID   string
	Host    string
	State   State
	Done    int
	Total   int
	Message string
}

// HostResult is a host's outcome.
type HostResult struct {
	Host    string
	State   State
	History []State
	Err     error
	Report  *healthcheck.Report
}

// Summary is the outcome of a run.
type Summary struct {
	RunID string
	Hosts []HostResult
}

// Failed returns hosts that ended in a failed state.
func (s *Summary) Failed() []HostResult {
	var out []HostResult
	for _, h := range s.Hosts {
		if h.State.Failed() {
			out = append(out, h)
		}
	}
	return out
}

func emit(events chan<- ProgressEvent, ev ProgressEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
