package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"confctl/internal/deploy"
	"confctl/internal/healthcheck"
)

// Operator puts the interactive gates of a deployment in front of the
// person at the terminal.
type Operator struct {
	// Out receives failure reports; stderr when nil.
	Out io.Writer

	mu      sync.Mutex
	confirm func(question, hint string) (bool, error)
	choose  func(question string, options []string, hint string) (int, error)
}

var (
	_ deploy.Confirmer     = (*Operator)(nil)
	_ healthcheck.Resolver = (*Operator)(nil)
)

func NewOperator() *Operator {
	return &Operator{confirm: Confirm, choose: Choose}
}

var decisions = []healthcheck.Decision{
	healthcheck.Continue,
	healthcheck.RetryAll,
	healthcheck.RetryFailed,
	healthcheck.Abort,
}

// Confirm asks whether to run step on host.
func (o *Operator) Confirm(_ context.Context, host string, step deploy.Step) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.confirm(fmt.Sprintf("%s %s?", stepVerb(step), Bold(host)), "drop --interactive to run every step")
}

// Resolve shows the failed checks of a machine and asks how to proceed.
func (o *Operator) Resolve(_ context.Context, report healthcheck.Report) (healthcheck.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprint(o.out(), FormatReport(report))
	options := make([]string, len(decisions))
	for i, d := range decisions {
		options[i] = d.String()
	}
	i, err := o.choose(fmt.Sprintf("Health checks failed on %s", Bold(report.Machine)), options, "use --keep-going to continue past failures")
	if err != nil {
		return healthcheck.Abort, err
	}
	return decisions[i], nil
}

func (o *Operator) out() io.Writer {
	if o.Out == nil {
		return os.Stderr
	}
	return o.Out
}

func stepVerb(step deploy.Step) string {
	switch step {
	case deploy.StepCopy:
		return "Copy to"
	case deploy.StepActivate:
		return "Activate"
	case deploy.StepReboot:
		return "Reboot"
	default:
		return string(step)
	}
}

// FormatReport lists the failed checks of a report, one per line.
func FormatReport(report healthcheck.Report) string {
	var out string
	for _, r := range report.Failed() {
		out += fmt.Sprintf("  %s %s %s\n", ErrorStyle.Render("✗"), r.Description, Muted(r.Message))
	}
	return out
}
