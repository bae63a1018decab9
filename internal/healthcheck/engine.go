package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"confctl/internal/executor"
	"confctl/internal/logging"
	"confctl/internal/remote"
)

const DefaultConcurrency = 5

// Decision is an operator's answer to failed checks.
type Decision int

const (
	Continue Decision = iota
	RetryAll
	RetryFailed
	Abort
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case RetryAll:
		return "retry all"
	case RetryFailed:
		return "retry failed"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Resolver asks the operator what to do about a machine's failed checks.
type Resolver interface {
	Resolve(ctx context.Context, report Report) (Decision, error)
}

// ErrAborted is wrapped by the FailureError of an operator abort.
var ErrAborted = errors.New("aborted by operator")

// Subject is one machine and its checks.
type Subject struct {
	Target remote.Target
	Checks []Check
}

// Report holds the latest result of every check of one machine, in check
// order.
type Report struct {
	Machine string
	Results []Result
	// Accepted is set when the operator chose to continue despite failures.
	Accepted bool
}

func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) OK() bool { return len(r.Failed()) == 0 }

// FailureError reports a machine whose checks did not pass.
type FailureError struct {
	Machine string
	Failed  []Result
	Err     error
}

func (e *FailureError) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		msgs[i] = f.Description + ": " + f.Message
	}
	prefix := fmt.Sprintf("%s: %d health check(s) failed", e.Machine, len(e.Failed))
	if e.Err != nil {
		prefix += " (" + e.Err.Error() + ")"
	}
	return prefix + ": " + strings.Join(msgs, "; ")
}

func (e *FailureError) Unwrap() error { return e.Err }

// Engine runs checks with bounded concurrency and drives the failure
// policy: keep going, fail, or ask the Resolver.
type Engine struct {
	Transport   remote.Transport
	Concurrency int
	KeepGoing   bool
	// Resolver is consulted on failures when set; it makes the engine
	// interactive.
	Resolver Resolver
	Logger   *slog.Logger
}

func (e *Engine) concurrency() int {
	if e.Concurrency < 1 {
		return DefaultConcurrency
	}
	return e.Concurrency
}

// Run executes the given checks of one subject once, concurrently.
func (e *Engine) Run(ctx context.Context, s Subject, checks []Check) []Result {
	env := Env{Transport: e.Transport, Target: s.Target, Logger: logging.OrDefault(e.Logger)}
	results := executor.Map(e.concurrency(), checks, func(c Check) (Result, error) {
		return c.Run(ctx, env), nil
	})

	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = r.Value
		if r.Err != nil {
			out[i] = Result{Description: checks[i].Description(), Message: r.Err.Error()}
		}
	}
	return out
}

// Check runs every check of s and applies the failure policy until the
// checks pass, failures are accepted, or the run is aborted.
func (e *Engine) Check(ctx context.Context, s Subject) (Report, error) {
	report := Report{Machine: s.Target.Name, Results: e.Run(ctx, s, s.Checks)}
	return e.Settle(ctx, s, report)
}

// Settle applies the failure policy to an existing report, re-running
// checks when the operator asks for a retry.
func (e *Engine) Settle(ctx context.Context, s Subject, report Report) (Report, error) {
	logger := logging.OrDefault(e.Logger).With("host", s.Target.Name)

	for {
		failed := report.Failed()
		if len(failed) == 0 {
			logger.Info("health checks passed", "checks", len(report.Results))
			return report, nil
		}

		if e.Resolver == nil {
			if e.KeepGoing {
				logger.Warn("health checks failed, continuing", "failed", len(failed))
				return report, nil
			}
			return report, &FailureError{Machine: s.Target.Name, Failed: failed}
		}

		decision, err := e.Resolver.Resolve(ctx, report)
		if err != nil {
			return report, fmt.Errorf("resolve health check failures of %s: %w", s.Target.Name, err)
		}
		logger.Info("health check failure resolution", "decision", decision.String())

		switch decision {
		case Continue:
			report.Accepted = true
			return report, nil
		case RetryAll:
			report.Results = e.Run(ctx, s, s.Checks)
		case RetryFailed:
			var idx []int
			var retry []Check
			for i, r := range report.Results {
				if !r.Passed {
					idx = append(idx, i)
					retry = append(retry, s.Checks[i])
				}
			}
			for j, r := range e.Run(ctx, s, retry) {
				report.Results[idx[j]] = r
			}
		default:
			return report, &FailureError{Machine: s.Target.Name, Failed: failed, Err: ErrAborted}
		}
	}
}

// CheckAll runs the first round of every subject concurrently, then
// settles failures one machine at a time so operator prompts never
// interleave. Reports are returned in subject order; failures are joined.
func (e *Engine) CheckAll(ctx context.Context, subjects []Subject) ([]Report, error) {
	rounds := executor.Map(e.concurrency(), subjects, func(s Subject) (Report, error) {
		return Report{Machine: s.Target.Name, Results: e.Run(ctx, s, s.Checks)}, nil
	})

	reports := make([]Report, len(subjects))
	var errs []error
	for i, s := range subjects {
		report := rounds[i].Value
		settled, err := e.Settle(ctx, s, report)
		reports[i] = settled
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrAborted) {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}
