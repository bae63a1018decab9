// Package remote executes commands on fleet machines. Machines are reached
// over ssh; a target marked Local is the orchestrating machine itself and
// its commands run directly.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"confctl/internal/command"
)

// Target addresses one machine.
type Target struct {
	Name  string
	Host  string
	Port  int
	User  string
	Local bool
}

// Address returns user@host, or host when no user is set.
func (t Target) Address() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// Result is the outcome of one remote command.
type Result = command.Output

// Transport runs argv on a target. A non-zero exit status is returned in
// Result, not as an error; errors mean the command could not be run.
type Transport interface {
	Execute(ctx context.Context, target Target, argv []string) (Result, error)
}

type SSHOptions struct {
	Port    int
	KeyPath string
	User    string
}

// SSH implements Transport with the ssh client binary.
type SSH struct {
	Runner  command.Runner
	Options SSHOptions
}

func NewSSH(runner command.Runner, opts SSHOptions) *SSH {
	if runner == nil {
		runner = command.Exec{}
	}
	return &SSH{Runner: runner, Options: opts}
}

func (s *SSH) Execute(ctx context.Context, target Target, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("execute on %s: empty command", target.Name)
	}
	if target.Local {
		return s.Runner.Run(ctx, command.Spec{Argv: argv})
	}
	if strings.TrimSpace(target.Host) == "" {
		return Result{}, fmt.Errorf("execute on %s: no target host", target.Name)
	}
	return s.Runner.Run(ctx, command.Spec{Argv: s.sshArgv(target, argv)})
}

func (s *SSH) sshArgv(target Target, argv []string) []string {
	args := []string{"ssh", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}

	port := target.Port
	if port == 0 {
		port = s.Options.Port
	}
	if port > 0 {
		args = append(args, "-p", strconv.Itoa(port))
	}
	if strings.TrimSpace(s.Options.KeyPath) != "" {
		args = append(args, "-i", s.Options.KeyPath)
	}
	if target.User == "" && s.Options.User != "" {
		target.User = s.Options.User
	}
	return append(args, target.Address(), "--", command.Quote(argv))
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Target string
	Argv   []string
	Result Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %s exited with status %d", e.Target, command.Quote(e.Argv), e.Result.ExitStatus)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Run executes argv and returns trimmed stdout, turning a non-zero exit
// status into *ExitError.
func Run(ctx context.Context, tr Transport, target Target, argv ...string) (string, error) {
	res, err := tr.Execute(ctx, target, argv)
	if err != nil {
		return "", fmt.Errorf("%s: %w", target.Name, err)
	}
	if res.ExitStatus != 0 {
		return "", &ExitError{Target: target.Name, Argv: argv, Result: res}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RunScript executes a shell script on target with sh -c.
func RunScript(ctx context.Context, tr Transport, target Target, script string) (string, error) {
	return Run(ctx, tr, target, "sh", "-c", script)
}
