package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSettings(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, FileName)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Dir != dir {
		t.Fatalf("Dir = %q, want %q", s.Dir, dir)
	}
	if s.Concurrency.Copy != 5 || s.Concurrency.HealthChecks != 5 {
		t.Fatalf("Concurrency = %+v", s.Concurrency)
	}
	if s.AutoRollback.Timeout != time.Minute {
		t.Fatalf("AutoRollback.Timeout = %v", s.AutoRollback.Timeout)
	}
	if got, want := s.DatabasePath(), filepath.Join(dir, ".confctl", "confctl.db"); got != want {
		t.Fatalf("DatabasePath() = %q, want %q", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeSettings(t, dir, `
stateDir: /var/lib/confctl
gitMirrorDir: mirrors
logLevel: debug
evaluator:
  command: [nix, eval, --json, -f, ./inventory.nix]
  builder: [./build.sh]
concurrency:
  copy: 2
generations:
  build:
    min: 2
    max: 10
    maxAge: 720h
ssh:
  user: deploy
  port: 2222
  keyPath: keys/id_ed25519
autoRollback:
  timeout: 90s
reboot:
  timeout: 5m
core:
  nixpkgs:
    type: git
    options:
      url: https://github.com/NixOS/nixpkgs
      update:
        ref: refs/heads/nixos-unstable
`)
	s, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.StatePath() != "/var/lib/confctl" {
		t.Fatalf("StatePath() = %q", s.StatePath())
	}
	if s.MirrorDir() != filepath.Join(dir, "mirrors") {
		t.Fatalf("MirrorDir() = %q", s.MirrorDir())
	}
	if s.Concurrency.Copy != 2 || s.Concurrency.HealthChecks != 5 {
		t.Fatalf("Concurrency = %+v, want copy overridden and health checks defaulted", s.Concurrency)
	}
	if s.Generations.Build.Max != 10 || s.Generations.Build.MaxAge != 720*time.Hour {
		t.Fatalf("Generations.Build = %+v", s.Generations.Build)
	}
	if s.Generations.Host.Max != 100 {
		t.Fatalf("Generations.Host = %+v, want defaults", s.Generations.Host)
	}
	if s.AutoRollback.Timeout != 90*time.Second || s.Reboot.Timeout != 5*time.Minute {
		t.Fatalf("timeouts = %v %v", s.AutoRollback.Timeout, s.Reboot.Timeout)
	}
	ssh := s.SSHOptions()
	if ssh.User != "deploy" || ssh.Port != 2222 || ssh.KeyPath != filepath.Join(dir, "keys", "id_ed25519") {
		t.Fatalf("SSHOptions() = %+v", ssh)
	}
	if s.Core["nixpkgs"].Type != "git" || s.Core["nixpkgs"].Options["url"] != "https://github.com/NixOS/nixpkgs" {
		t.Fatalf("Core = %+v", s.Core)
	}
	if len(s.Evaluator.Command) != 5 || s.Evaluator.Builder[0] != "./build.sh" {
		t.Fatalf("Evaluator = %+v", s.Evaluator)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "malformed yaml", content: "stateDir: [", wantErr: "parse config"},
		{name: "zero concurrency", content: "concurrency:\n  copy: 0\n", wantErr: "Copy"},
		{name: "empty evaluator", content: "evaluator:\n  command: []\n", wantErr: "Command"},
		{name: "bad log level", content: "logLevel: loud\n", wantErr: "LogLevel"},
		{name: "port out of range", content: "ssh:\n  port: 70000\n", wantErr: "Port"},
		{name: "max below min", content: "generations:\n  host:\n    min: 5\n    max: 2\n", wantErr: "generations.host"},
		{name: "untyped core swpin", content: "core:\n  nixpkgs:\n    options: {}\n", wantErr: "missing type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeSettings(t, t.TempDir(), tt.content)
			_, err := Load(p)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindWalksUp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSettings(t, root, "stateDir: state\n")
	nested := filepath.Join(root, "hosts", "node1")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := Find(nested)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if s.Dir != root {
		t.Fatalf("Dir = %q, want %q", s.Dir, root)
	}
	if s.GenerationsDir() != filepath.Join(root, "state", "generations") {
		t.Fatalf("GenerationsDir() = %q", s.GenerationsDir())
	}
}
