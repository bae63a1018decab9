package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"confctl/internal/adapter/sqlite"
	"confctl/internal/executor"
	"confctl/internal/healthcheck"
	"confctl/internal/logging"
	"confctl/internal/telemetry"

	"github.com/google/uuid"
)

type hostRun struct {
	plan    HostPlan
	state   State
	history []State
	err     error
	report  *healthcheck.Report
	// skipped is set once the operator declines a step; later steps of
	// the host are skipped too.
	skipped bool
}

func (h *hostRun) to(s State) {
	h.state = h.state.Transition(s)
	h.history = append(h.history, h.state)
}

// progress counts finished hosts per step for concurrent workers.
type progress struct {
	mu    sync.Mutex
	total int
	done  map[Step]int
}

func (p *progress) advance(step Step) (done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[step]++
	return p.done[step], p.total
}

type pipeline struct {
	opts     Options
	runID    string
	hosts    []*hostRun
	op       *telemetry.Operation
	progress *progress
	log      *slog.Logger
	health   *healthcheck.Engine
}

// Run deploys hosts in order. Copy and activation failures abort the run;
// health check failures abort it unless KeepGoing is set or the operator
// accepts them. The summary is returned even when the run fails.
func Run(ctx context.Context, opts Options, hosts []HostPlan) (*Summary, error) {
	if err := opts.Validate(hosts); err != nil {
		return nil, err
	}

	p := &pipeline{
		opts:     opts,
		runID:    uuid.NewString(),
		progress: &progress{total: len(hosts), done: map[Step]int{}},
	}
	p.log = logging.OrDefault(opts.Logger).With("run", p.runID)
	for _, h := range hosts {
		p.hosts = append(p.hosts, &hostRun{plan: h, state: StatePending, history: []State{StatePending}})
	}
	p.health = &healthcheck.Engine{
		Transport:   opts.Transport,
		Concurrency: opts.HealthCheckConcurrency,
		KeepGoing:   opts.KeepGoing,
		Resolver:    opts.Resolver,
		Logger:      p.log,
	}

	if opts.Tracer != nil {
		op, err := telemetry.EmitPlan(ctx, opts.Tracer, "deploy", p.runID, p.plan())
		if err != nil {
			return nil, err
		}
		p.op = op
		ctx = op.Context()
	}

	p.log.Info("deploying", "hosts", len(hosts), "action", opts.Action, "reboot", opts.Reboot, "one_by_one", opts.OneByOne)

	var err error
	if opts.OneByOne {
		err = p.runOneByOne(ctx)
	} else {
		err = p.runBulk(ctx)
	}
	p.op.End(err)
	p.record(ctx)
	return p.summary(), err
}

func (p *pipeline) plan() telemetry.Plan {
	var plan telemetry.Plan
	phases := []struct {
		step  Step
		title string
		on    bool
	}{
		{StepCopy, "copy closures", true},
		{StepActivate, "activate " + p.opts.Action, !p.opts.CopyOnly},
		{StepReboot, "reboot", p.opts.Reboot && !p.opts.CopyOnly},
		{StepHealthCheck, "health checks", p.opts.HealthChecksRequired()},
	}
	for _, ph := range phases {
		if !ph.on {
			continue
		}
		parent := plan.Add("", string(ph.step), ph.title)
		for _, h := range p.hosts {
			plan.Add(parent, h.plan.Name(), h.plan.Name())
		}
	}
	return plan
}

func stepID(step Step, h *hostRun) string {
	return string(step) + "/" + h.plan.Name()
}

func (p *pipeline) runBulk(ctx context.Context) error {
	if err := p.copyAll(ctx); err != nil {
		return err
	}
	if p.opts.CopyOnly {
		return nil
	}
	for _, h := range p.hosts {
		if err := p.activate(ctx, h); err != nil {
			return err
		}
	}
	if p.opts.Reboot {
		for _, h := range p.hosts {
			if err := p.reboot(ctx, h); err != nil {
				return err
			}
		}
	}
	if p.opts.HealthChecksRequired() {
		return p.checkAll(ctx, p.hosts)
	}
	return nil
}

func (p *pipeline) runOneByOne(ctx context.Context) error {
	for _, h := range p.hosts {
		ok, err := p.gate(ctx, h, StepCopy, StateCopySkipped)
		if err != nil {
			return err
		}
		if ok {
			p.copy(ctx, h)
			if h.state == StateCopyFailed {
				return h.err
			}
		}
		if p.opts.CopyOnly {
			continue
		}
		if err := p.activate(ctx, h); err != nil {
			return err
		}
		if p.opts.Reboot {
			if err := p.reboot(ctx, h); err != nil {
				return err
			}
		}
		if p.opts.HealthChecksRequired() {
			if err := p.checkAll(ctx, []*hostRun{h}); err != nil {
				return err
			}
		}
	}
	return nil
}

// gate asks for confirmation of step on h. A skipped host, or a declined
// step, moves h to skipState and returns false.
func (p *pipeline) gate(ctx context.Context, h *hostRun, step Step, skipState State) (bool, error) {
	if !h.skipped && p.opts.Confirmer != nil {
		ok, err := p.opts.Confirmer.Confirm(ctx, h.plan.Name(), step)
		if err != nil {
			return false, err
		}
		if !ok {
			h.skipped = true
			p.log.Info("step declined", "host", h.plan.Name(), "step", step)
		}
	}
	if h.skipped {
		h.to(skipState)
		p.op.SkipStep(ctx, stepID(step, h), "skipped")
		p.emit(h, 0, "skipped")
		return false, nil
	}
	return true, nil
}

// copyAll confirms copies one host at a time, then copies concurrently.
// Failures are collected after every copy finished.
func (p *pipeline) copyAll(ctx context.Context) error {
	var todo []*hostRun
	for _, h := range p.hosts {
		ok, err := p.gate(ctx, h, StepCopy, StateCopySkipped)
		if err != nil {
			return err
		}
		if ok {
			todo = append(todo, h)
		}
	}

	concurrency := p.opts.CopyConcurrency
	if concurrency < 1 {
		concurrency = DefaultCopyConcurrency
	}
	results := executor.Map(concurrency, todo, func(h *hostRun) (struct{}, error) {
		p.copy(ctx, h)
		return struct{}{}, nil
	})

	var errs []error
	for i, r := range results {
		h := todo[i]
		if r.Err != nil {
			if h.state == StateCopying {
				h.to(StateCopyFailed)
			}
			h.err = &HostError{Host: h.plan.Name(), Step: StepCopy, Err: r.Err}
		}
		if h.state == StateCopyFailed {
			errs = append(errs, h.err)
		}
	}
	return errors.Join(errs...)
}

func (p *pipeline) copy(ctx context.Context, h *hostRun) {
	h.to(StateCopying)
	err := p.op.RunStep(ctx, stepID(StepCopy, h), func(ctx context.Context) error {
		return p.copyClosure(ctx, h.plan)
	}, telemetry.Host(h.plan.Name()))
	done, _ := p.progress.advance(StepCopy)
	if err != nil {
		h.to(StateCopyFailed)
		h.err = &HostError{Host: h.plan.Name(), Step: StepCopy, Err: err}
		p.log.Error("copy failed", "host", h.plan.Name(), "err", err)
		p.emit(h, done, err.Error())
		return
	}
	h.to(StateCopied)
	p.emit(h, done, "")
}

func (p *pipeline) activate(ctx context.Context, h *hostRun) error {
	ok, err := p.gate(ctx, h, StepActivate, StateActivationSkipped)
	if err != nil || !ok {
		return err
	}

	h.to(StateActivating)
	err = p.op.RunStep(ctx, stepID(StepActivate, h), func(ctx context.Context) error {
		return p.activateHost(ctx, h.plan)
	}, telemetry.Host(h.plan.Name()))
	done, _ := p.progress.advance(StepActivate)
	if err != nil {
		h.to(StateActivationFailed)
		h.err = &HostError{Host: h.plan.Name(), Step: StepActivate, Err: err}
		p.log.Error("activation failed", "host", h.plan.Name(), "err", err)
		p.emit(h, done, err.Error())
		return h.err
	}
	h.to(StateActivated)
	p.emit(h, done, "")
	return nil
}

func (p *pipeline) reboot(ctx context.Context, h *hostRun) error {
	ok, err := p.gate(ctx, h, StepReboot, StateRebootSkipped)
	if err != nil || !ok {
		return err
	}

	h.to(StateRebooting)
	err = p.op.RunStep(ctx, stepID(StepReboot, h), func(ctx context.Context) error {
		return p.rebootHost(ctx, h.plan)
	}, telemetry.Host(h.plan.Name()))
	done, _ := p.progress.advance(StepReboot)
	if err != nil {
		h.to(StateRebootFailed)
		h.err = &HostError{Host: h.plan.Name(), Step: StepReboot, Err: err}
		p.log.Error("reboot failed", "host", h.plan.Name(), "err", err)
		p.emit(h, done, err.Error())
		return h.err
	}
	h.to(StateRebooted)
	p.emit(h, done, "")
	return nil
}

// checkAll health-checks the hosts that were not skipped.
func (p *pipeline) checkAll(ctx context.Context, hosts []*hostRun) error {
	var (
		runs     []*hostRun
		subjects []healthcheck.Subject
	)
	for _, h := range hosts {
		if h.skipped {
			continue
		}
		h.to(StateHealthChecking)
		runs = append(runs, h)
		subjects = append(subjects, healthcheck.Subject{Target: h.plan.Target, Checks: h.plan.Checks})
	}
	if len(runs) == 0 {
		return nil
	}

	reports, err := p.health.CheckAll(ctx, subjects)
	for i, h := range runs {
		var hostErr error
		switch report := reports[i]; {
		case report.Machine == "":
			// The operator aborted before this host was settled.
			h.to(StateUnhealthy)
			hostErr = healthcheck.ErrAborted
		case report.OK() || report.Accepted:
			h.report = &report
			h.to(StateHealthy)
		default:
			h.report = &report
			h.to(StateUnhealthy)
			hostErr = &healthcheck.FailureError{Machine: h.plan.Name(), Failed: report.Failed()}
		}
		done, _ := p.progress.advance(StepHealthCheck)
		msg := ""
		if hostErr != nil {
			h.err = &HostError{Host: h.plan.Name(), Step: StepHealthCheck, Err: hostErr}
			msg = h.err.Error()
		}
		_ = p.op.RunStep(ctx, stepID(StepHealthCheck, h), func(context.Context) error { return hostErr }, telemetry.Host(h.plan.Name()))
		p.emit(h, done, msg)
	}
	return err
}

func (p *pipeline) emit(h *hostRun, done int, msg string) {
	emit(p.opts.Events, ProgressEvent{
		RunID:   p.runID,
		Host:    h.plan.Name(),
		State:   h.state,
		Done:    done,
		Total:   p.progress.total,
		Message: msg,
	})
}

func (p *pipeline) record(ctx context.Context) {
	if p.opts.Journal == nil {
		return
	}
	now := time.Now
	if p.opts.Now != nil {
		now = p.opts.Now
	}
	for _, h := range p.hosts {
		e := sqlite.DeployEntry{
			RunID:      p.runID,
			Host:       h.plan.Name(),
			Action:     p.opts.Action,
			Generation: h.plan.Generation,
			Toplevel:   h.plan.Toplevel,
			State:      h.state.String(),
			FinishedAt: now(),
		}
		if h.err != nil {
			e.Error = h.err.Error()
		}
		if err := p.opts.Journal.RecordDeploy(context.WithoutCancel(ctx), e); err != nil {
			p.log.Warn("record deploy", "host", h.plan.Name(), "err", err)
		}
	}
}

func (p *pipeline) summary() *Summary {
	s := &Summary{RunID: p.runID}
	for _, h := range p.hosts {
		s.Hosts = append(s.Hosts, HostResult{
			Host:    h.plan.Name(),
			State:   h.state,
			History: h.history,
			Err:     h.err,
			Report:  h.report,
		})
	}
	return s
}
