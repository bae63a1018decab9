package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"confctl/internal/command"
)

const KindRunCommand = "run-command"

func init() {
	register(KindRunCommand, func(data []byte) (Check, error) {
		var c RunCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		if len(c.Command) == 0 {
			return nil, errors.New("command is required")
		}
		return &c, nil
	})
}

// OutputMatch constrains a command's output stream. Match compares the
// whole trimmed output; Include and Exclude are substrings.
type OutputMatch struct {
	Match   *string  `json:"match,omitempty"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

func (m OutputMatch) check(stream, out string) []string {
	var reasons []string
	trimmed := strings.TrimSpace(out)
	if m.Match != nil && trimmed != *m.Match {
		reasons = append(reasons, fmt.Sprintf("%s %q does not match %q", stream, trimmed, *m.Match))
	}
	for _, inc := range m.Include {
		if !strings.Contains(out, inc) {
			reasons = append(reasons, fmt.Sprintf("%s does not include %q", stream, inc))
		}
	}
	for _, exc := range m.Exclude {
		if strings.Contains(out, exc) {
			reasons = append(reasons, fmt.Sprintf("%s includes %q", stream, exc))
		}
	}
	return reasons
}

// RunCommand runs a command on the machine and checks its exit status and
// output.
type RunCommand struct {
	Type    string   `json:"type"`
	Desc    string   `json:"description,omitempty"`
	Command []string `json:"command"`
	// ExitStatus is the expected exit status.
	ExitStatus int         `json:"exitStatus"`
	Stdout     OutputMatch `json:"standardOutput"`
	Stderr     OutputMatch `json:"standardError"`
	Timing
}

func (c *RunCommand) Kind() string { return KindRunCommand }

func (c *RunCommand) Description() string {
	if c.Desc != "" {
		return c.Desc
	}
	return command.Quote(c.Command)
}

func (c *RunCommand) Run(ctx context.Context, env Env) Result {
	return retry(ctx, c.Description(), c.Timing, env.logger(), func(ctx context.Context) []string {
		res, err := env.Transport.Execute(ctx, env.Target, c.Command)
		if err != nil {
			return []string{err.Error()}
		}

		var reasons []string
		if res.ExitStatus != c.ExitStatus {
			reasons = append(reasons, fmt.Sprintf("exit status %d, expected %d", res.ExitStatus, c.ExitStatus))
		}
		reasons = append(reasons, c.Stdout.check("standard output", res.Stdout)...)
		reasons = append(reasons, c.Stderr.check("standard error", res.Stderr)...)
		return reasons
	})
}
