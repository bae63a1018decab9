package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"confctl/internal/command"
	"confctl/internal/logging"
	"confctl/internal/remote"

	"github.com/cenkalti/backoff/v4"
)

// Binary is the watchdog executable inside an auto-rollback build.
const Binary = "bin/confctl-auto-rollback"

const defaultProbeInterval = 2 * time.Second

// Prober confirms an activation from the orchestrating machine: once the
// check file reads "switched", reaching the machine proves the new
// configuration kept it reachable.
type Prober struct {
	Transport remote.Transport
	Target    remote.Target
	CheckFile string
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Confirm polls until it has written "confirmed" or the timeout passes.
func (p *Prober) Confirm(ctx context.Context) error {
	checkFile := p.CheckFile
	if checkFile == "" {
		checkFile = DefaultCheckFile
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := logging.OrDefault(p.Logger).With("host", p.Target.Name)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := func() error {
		state, err := remote.Run(ctx, p.Transport, p.Target, "cat", checkFile)
		if err != nil {
			log.Debug("check file not readable yet", "err", err)
			return err
		}
		if state != StateSwitched {
			return fmt.Errorf("check file reads %q", state)
		}
		script := "echo " + StateConfirmed + " > " + command.QuoteArg(checkFile)
		if _, err := remote.RunScript(ctx, p.Transport, p.Target, script); err != nil {
			return err
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("confirm activation of %s: %w", p.Target.Name, err)
	}
	log.Info("confirmed activation")
	return nil
}

// Guard runs an activation under the remote watchdog.
type Guard struct {
	Transport remote.Transport
	Target    remote.Target
	// AutoRollback is the store path of the build containing the watchdog.
	AutoRollback  string
	CheckFile     string
	Timeout       time.Duration
	ProbeInterval time.Duration
	Logger        *slog.Logger
}

// Activate runs the watchdog on the target and confirms it concurrently.
// An unconfirmed activation returns an error wrapping ErrRolledBack.
func (g *Guard) Activate(ctx context.Context, toplevel, action string) error {
	checkFile := g.CheckFile
	if checkFile == "" {
		checkFile = DefaultCheckFile
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if _, err := remote.Run(ctx, g.Transport, g.Target, "rm", "-f", checkFile); err != nil {
		return fmt.Errorf("clear check file: %w", err)
	}

	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	prober := &Prober{
		Transport: g.Transport,
		Target:    g.Target,
		CheckFile: checkFile,
		Interval:  g.ProbeInterval,
		Timeout:   timeout,
		Logger:    g.Logger,
	}
	probed := make(chan error, 1)
	go func() { probed <- prober.Confirm(probeCtx) }()

	argv := []string{
		strings.TrimSuffix(g.AutoRollback, "/") + "/" + Binary,
		"--check-file", checkFile,
		"--timeout", timeout.String(),
		toplevel, action,
	}
	res, err := g.Transport.Execute(ctx, g.Target, argv)
	stopProbe()
	probeErr := <-probed

	switch {
	case err != nil:
		return fmt.Errorf("%s: run watchdog: %w", g.Target.Name, err)
	case res.ExitStatus == ExitRolledBack:
		return fmt.Errorf("%s: %w", g.Target.Name, ErrRolledBack)
	case res.ExitStatus != 0:
		return &remote.ExitError{Target: g.Target.Name, Argv: argv, Result: res}
	}
	if probeErr != nil && !errors.Is(probeErr, context.Canceled) {
		logging.OrDefault(g.Logger).Debug("prober ended early", "host", g.Target.Name, "err", probeErr)
	}
	return nil
}
