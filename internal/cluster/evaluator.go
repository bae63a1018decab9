package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"confctl/internal/command"
	"confctl/internal/generation"
	"confctl/internal/logging"

	"github.com/tidwall/jsonc"
)

// Evaluator produces the inventory of a deployment. corePaths are the
// resolved core swpins the deployment is evaluated with.
type Evaluator interface {
	Inventory(ctx context.Context, corePaths map[string]string) (*Inventory, error)
}

// Builder builds the configurations of hosts with one swpin combination.
// The same inputs must produce the same outputs.
type Builder interface {
	Build(ctx context.Context, hosts []string, pins map[string]string) (map[string]generation.Artifacts, error)
}

// CommandError is a failed evaluator or builder invocation.
type CommandError struct {
	Argv   []string
	Output command.Output
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", command.Quote(e.Argv), e.Output.ExitStatus)
	if stderr := strings.TrimSpace(e.Output.Stderr); stderr != "" {
		msg += ": " + lastLines(stderr, 20)
	}
	return msg
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// CommandEvaluator runs an external command that prints the inventory as
// JSON. It reads {"core": {name: path}} on stdin.
type CommandEvaluator struct {
	Runner command.Runner
	Argv   []string
	Dir    string
	// Retention is what machine retention overrides are validated against.
	Retention RetentionDefaults
	Logger    *slog.Logger
}

func (e *CommandEvaluator) Inventory(ctx context.Context, corePaths map[string]string) (*Inventory, error) {
	if len(e.Argv) == 0 {
		return nil, &ConfigError{Err: errors.New("no evaluator command configured")}
	}
	if corePaths == nil {
		corePaths = map[string]string{}
	}
	stdout, err := invoke(ctx, e.Runner, e.Argv, e.Dir, map[string]any{"core": corePaths})
	if err != nil {
		return nil, fmt.Errorf("evaluate deployment: %w", err)
	}

	var inv Inventory
	if err := json.Unmarshal(jsonc.ToJSON(stdout), &inv); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode inventory: %w", err)}
	}
	if err := inv.Validate(e.Retention); err != nil {
		return nil, err
	}
	logging.OrDefault(e.Logger).Debug("evaluated deployment", "machines", len(inv.Machines), "channels", len(inv.Channels))
	return &inv, nil
}

// CommandBuilder runs an external build command. It reads
// {"hosts": [...], "swpins": {name: path}} on stdin and prints
// {host: {"toplevel", "autoRollback", "kernelVersion"}}.
type CommandBuilder struct {
	Runner command.Runner
	Argv   []string
	Dir    string
	Logger *slog.Logger
}

type builtHost struct {
	Toplevel      string `json:"toplevel"`
	AutoRollback  string `json:"autoRollback"`
	KernelVersion string `json:"kernelVersion"`
}

func (b *CommandBuilder) Build(ctx context.Context, hosts []string, pins map[string]string) (map[string]generation.Artifacts, error) {
	if len(b.Argv) == 0 {
		return nil, &ConfigError{Err: errors.New("no builder command configured")}
	}
	if pins == nil {
		pins = map[string]string{}
	}
	logging.OrDefault(b.Logger).Info("building", "hosts", strings.Join(hosts, ","))
	stdout, err := invoke(ctx, b.Runner, b.Argv, b.Dir, map[string]any{"hosts": hosts, "swpins": pins})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", strings.Join(hosts, ", "), err)
	}

	var built map[string]builtHost
	if err := json.Unmarshal(jsonc.ToJSON(stdout), &built); err != nil {
		return nil, fmt.Errorf("decode build result: %w", err)
	}
	out := make(map[string]generation.Artifacts, len(hosts))
	for _, h := range hosts {
		r, ok := built[h]
		if !ok || r.Toplevel == "" {
			return nil, fmt.Errorf("builder returned no toplevel for %s", h)
		}
		out[h] = generation.Artifacts{Toplevel: r.Toplevel, AutoRollback: r.AutoRollback, KernelVersion: r.KernelVersion}
	}
	return out, nil
}

func invoke(ctx context.Context, runner command.Runner, argv []string, dir string, input any) ([]byte, error) {
	if runner == nil {
		runner = command.Exec{}
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	out, err := runner.Run(ctx, command.Spec{Argv: slices.Clone(argv), Dir: dir, Stdin: bytes.NewReader(stdin)})
	if err != nil {
		return nil, err
	}
	if out.ExitStatus != 0 {
		return nil, &CommandError{Argv: argv, Output: out}
	}
	return []byte(out.Stdout), nil
}
