package remote

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"confctl/internal/command"
)

type recordingRunner struct {
	specs []command.Spec
	out   command.Output
}

func (r *recordingRunner) Run(_ context.Context, spec command.Spec) (command.Output, error) {
	r.specs = append(r.specs, spec)
	return r.out, nil
}

func TestSSHExecuteBuildsArgv(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	s := NewSSH(runner, SSHOptions{Port: 2222, KeyPath: "/keys/id", User: "root"})

	_, err := s.Execute(context.Background(), Target{Name: "node1", Host: "10.0.0.1"}, []string{"echo", "a b"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []string{
		"ssh", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new",
		"-p", "2222", "-i", "/keys/id", "root@10.0.0.1", "--", "echo 'a b'",
	}
	if got := runner.specs[0].Argv; !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestSSHExecuteLocalShortCircuit(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	s := NewSSH(runner, SSHOptions{})

	if _, err := s.Execute(context.Background(), Target{Name: "self", Local: true}, []string{"uptime"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := runner.specs[0].Argv; !reflect.DeepEqual(got, []string{"uptime"}) {
		t.Fatalf("argv = %q, want local uptime", got)
	}
}

func TestRunTurnsExitStatusIntoError(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{out: command.Output{ExitStatus: 1, Stderr: "no such unit\n"}}
	s := NewSSH(runner, SSHOptions{})

	_, err := Run(context.Background(), s, Target{Name: "node1", Host: "node1"}, "systemctl", "status", "x")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want *ExitError", err)
	}
	if exitErr.Result.ExitStatus != 1 {
		t.Fatalf("exit status = %d", exitErr.Result.ExitStatus)
	}
	if exitErr.Error() != "node1: systemctl status x exited with status 1: no such unit" {
		t.Fatalf("message = %q", exitErr.Error())
	}
}

func TestExecuteWithoutHost(t *testing.T) {
	t.Parallel()

	s := NewSSH(&recordingRunner{}, SSHOptions{})
	if _, err := s.Execute(context.Background(), Target{Name: "ghost"}, []string{"true"}); err == nil {
		t.Fatal("expected error for target without host")
	}
}

func TestParseGenerationLine(t *testing.T) {
	t.Parallel()

	fields, ok := ParseGenerationLine("12 /nix/store/abc-nixos-system 1700000000 6.1.0")
	if !ok || fields[0] != "12" || fields[3] != "6.1.0" {
		t.Fatalf("ParseGenerationLine() = %q, %v", fields, ok)
	}
	if _, ok := ParseGenerationLine("current /nix/store/abc"); ok {
		t.Fatal("current line must not parse as a generation")
	}
}

func TestActivateSetsProfileForSwitchAndBoot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action string
		want   [][]string
	}{
		{ActionSwitch, [][]string{SetProfileArgv("/nix/store/sys"), SwitchToConfigurationArgv("/nix/store/sys", "switch")}},
		{ActionBoot, [][]string{SetProfileArgv("/nix/store/sys"), SwitchToConfigurationArgv("/nix/store/sys", "boot")}},
		{ActionTest, [][]string{SwitchToConfigurationArgv("/nix/store/sys", "test")}},
		{ActionDryActivate, [][]string{SwitchToConfigurationArgv("/nix/store/sys", "dry-activate")}},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			t.Parallel()
			runner := &recordingRunner{}
			tr := NewSSH(runner, SSHOptions{})
			if err := Activate(context.Background(), tr, Target{Name: "local", Local: true}, "/nix/store/sys", tt.action); err != nil {
				t.Fatalf("Activate() error = %v", err)
			}
			var got [][]string
			for _, s := range runner.specs {
				got = append(got, s.Argv)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("commands = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActivateReportsFailure(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{out: command.Output{ExitStatus: 4, Stderr: "unit failed"}}
	err := Activate(context.Background(), NewSSH(runner, SSHOptions{}), Target{Name: "local", Local: true}, "/nix/store/sys", ActionTest)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Result.ExitStatus != 4 {
		t.Fatalf("Activate() error = %v, want ExitError with status 4", err)
	}
}
