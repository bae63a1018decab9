// Package healthcheck validates machines after activation. A check is one
// of a closed set of kinds (run-command, systemd-properties,
// systemd-unit-properties) selected by a "type" discriminator in its JSON
// declaration. Each check retries until it passes or its timeout elapses.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"confctl/internal/remote"

	"github.com/cenkalti/backoff/v4"
)

// Env is what a check needs to reach its machine.
type Env struct {
	Transport remote.Transport
	Target    remote.Target
	Logger    *slog.Logger
}

// Result is the outcome of one check.
type Result struct {
	Description string
	Passed      bool
	// Message joins every failure reason of the last attempt.
	Message  string
	Attempts int
}

// Check is one health check.
type Check interface {
	Kind() string
	Description() string
	Run(ctx context.Context, env Env) Result
}

// Timing bounds a check's retries. Both values are seconds in JSON.
type Timing struct {
	Timeout  Seconds `json:"timeout"`
	Cooldown Seconds `json:"cooldown"`
}

// Seconds is a duration encoded as a number of seconds.
type Seconds time.Duration

func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration in seconds: %w", err)
	}
	*s = Seconds(time.Duration(n * float64(time.Second)))
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

const defaultCooldown = time.Second

// attemptFunc runs one attempt and returns its failure reasons.
type attemptFunc func(ctx context.Context) []string

// retry repeats attempt until it reports no failures or the timeout
// elapses, sleeping the cooldown between attempts. A zero timeout means a
// single attempt. On timeout the result carries the reasons of the last
// attempt that ran to completion.
func retry(ctx context.Context, desc string, t Timing, logger *slog.Logger, attempt attemptFunc) Result {
	res := Result{Description: desc}

	cooldown := t.Cooldown.Duration()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(cooldown)
	if t.Timeout <= 0 {
		b = backoff.WithMaxRetries(b, 0)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout.Duration())
		defer cancel()
	}

	var reasons []string
	_ = backoff.Retry(func() error {
		res.Attempts++
		got := attempt(ctx)
		if len(got) == 0 {
			reasons = nil
			return nil
		}
		// An attempt cut short by the timeout only reports the deadline;
		// the last complete attempt says why the check was failing.
		if ctx.Err() != nil && len(reasons) > 0 {
			return backoff.Permanent(ctx.Err())
		}
		reasons = got
		if logger != nil {
			logger.Debug("health check attempt failed", "check", desc, "attempt", res.Attempts, "reasons", strings.Join(reasons, "; "))
		}
		return fmt.Errorf("%s", strings.Join(reasons, "; "))
	}, backoff.WithContext(b, ctx))

	res.Passed = len(reasons) == 0
	res.Message = strings.Join(reasons, "; ")
	return res
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger.With("host", e.Target.Name)
}
