// Package command runs local processes. Everything in confctl that shells
// out (ssh, nix tooling, git) goes through a Runner so tests can substitute
// a fake.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Output is the captured result of a finished process.
type Output struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Spec describes one process invocation.
type Spec struct {
	Argv  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Runner starts processes and waits for them.
//
// A non-zero exit status is not an error: it is reported in Output so
// callers can decide. Errors are reserved for processes that could not be
// started or were interrupted by ctx.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Output, error)
}

// Exec runs processes with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, spec Spec) (Output, error) {
	if len(spec.Argv) == 0 {
		return Output{}, errors.New("run command: empty argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitStatus = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("run %s: %w", spec.Argv[0], err)
	}
	return out, nil
}

// Quote renders argv as a POSIX shell command line.
func Quote(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = QuoteArg(a)
	}
	return strings.Join(parts, " ")
}

// QuoteArg single-quotes a when it contains anything outside a safe set.
func QuoteArg(a string) string {
	if a == "" {
		return "''"
	}
	safe := true
	for _, r := range a {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
}
