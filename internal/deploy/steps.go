package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"confctl/internal/command"
	"confctl/internal/remote"
	"confctl/internal/rollback"

	"github.com/cenkalti/backoff/v4"
)

const defaultRebootPoll = 5 * time.Second

// copyClosure copies the host's store paths with nix-copy-closure. Local
// hosts already have them.
func (p *pipeline) copyClosure(ctx context.Context, h HostPlan) error {
	if h.Target.Local {
		return nil
	}
	runner := p.opts.Runner
	if runner == nil {
		runner = command.Exec{}
	}

	argv := []string{"nix-copy-closure", "--to"}
	if p.opts.UseSubstitutes {
		argv = append(argv, "--use-substitutes")
	}
	argv = append(argv, h.Target.Address(), h.Toplevel)
	if h.AutoRollback != "" {
		argv = append(argv, h.AutoRollback)
	}

	spec := command.Spec{Argv: argv}
	if opts := p.sshOpts(h.Target); opts != "" {
		spec.Env = []string{"NIX_SSHOPTS=" + opts}
	}
	out, err := runner.Run(ctx, spec)
	if err != nil {
		return err
	}
	if out.ExitStatus != 0 {
		return &remote.ExitError{Target: h.Name(), Argv: argv, Result: out}
	}
	return nil
}

func (p *pipeline) sshOpts(t remote.Target) string {
	var opts []string
	if t.Port != 0 {
		opts = append(opts, "-p", strconv.Itoa(t.Port))
	}
	if p.opts.SSH.KeyPath != "" {
		opts = append(opts, "-i", p.opts.SSH.KeyPath)
	}
	return strings.Join(opts, " ")
}

// activateHost switches the host to its toplevel. Hosts with an
// auto-rollback build activate switch and test under the watchdog.
func (p *pipeline) activateHost(ctx context.Context, h HostPlan) error {
	action := p.opts.Action
	guarded := h.AutoRollback != "" && (action == remote.ActionSwitch || action == remote.ActionTest)
	if !guarded {
		return remote.Activate(ctx, p.opts.Transport, h.Target, h.Toplevel, action)
	}
	g := &rollback.Guard{
		Transport:     p.opts.Transport,
		Target:        h.Target,
		AutoRollback:  h.AutoRollback,
		Timeout:       p.opts.AutoRollbackTimeout,
		ProbeInterval: p.opts.ProbeInterval,
		Logger:        p.log,
	}
	return g.Activate(ctx, h.Toplevel, action)
}

// rebootHost reboots the host and waits until it reports a new boot id.
func (p *pipeline) rebootHost(ctx context.Context, h HostPlan) error {
	tr := p.opts.Transport
	before, err := remote.Run(ctx, tr, h.Target, "cat", remote.BootIDPath)
	if err != nil {
		return fmt.Errorf("read boot id: %w", err)
	}

	// The connection usually drops while the machine goes down, so the
	// exit status of the reboot command is not meaningful.
	if _, err := tr.Execute(ctx, h.Target, []string{"systemctl", "reboot"}); err != nil {
		p.log.Debug("reboot command", "host", h.Name(), "err", err)
	}

	timeout := p.opts.RebootTimeout
	if timeout <= 0 {
		timeout = DefaultRebootTimeout
	}
	poll := p.opts.RebootPoll
	if poll <= 0 {
		poll = defaultRebootPoll
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = poll
	b.MaxInterval = 6 * poll
	b.MaxElapsedTime = timeout

	start := time.Now()
	err = backoff.Retry(func() error {
		after, err := remote.Run(ctx, tr, h.Target, "cat", remote.BootIDPath)
		if err != nil {
			return err
		}
		if after == before {
			return errRebootNotApplied
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("wait for reboot: %w", err)
	}
	p.log.Info("host rebooted", "host", h.Name(), "took", time.Since(start).Round(time.Second))
	return nil
}
