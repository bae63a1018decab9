package swpinscmd

import (
	"context"
	"strings"
	"testing"

	"confctl/internal/swpins"
)

func TestScopeUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got  string
		want string
	}{
		{coreScope.usage("ls", true, ""), "ls [sw-pattern]"},
		{channelScope.usage("ls", true, ""), "ls [channel-pattern [sw-pattern]]"},
		{coreScope.usage("set", false, "SW [ARGS...]"), "set SW [ARGS...]"},
		{clusterScope.usage("set", false, "SW [ARGS...]"), "set HOST SW [ARGS...]"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("usage = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestScopePatterns(t *testing.T) {
	t.Parallel()

	if owner, spec := coreScope.patterns([]string{"nix*"}); owner != "" || spec != "nix*" {
		t.Fatalf("core patterns = %q %q", owner, spec)
	}
	if owner, spec := clusterScope.patterns([]string{"web*", "nixpkgs"}); owner != "web*" || spec != "nixpkgs" {
		t.Fatalf("cluster patterns = %q %q", owner, spec)
	}
	if owner, spec := channelScope.patterns(nil); owner != "" || spec != "" {
		t.Fatalf("channel patterns = %q %q", owner, spec)
	}
}

func TestUpdateRef(t *testing.T) {
	t.Parallel()

	s, err := swpins.NewSpec("core", "nixpkgs", swpins.Declaration{
		Type: "git",
		Options: map[string]any{
			"url":    "https://github.com/NixOS/nixpkgs",
			"update": map[string]any{"ref": "refs/heads/nixos-unstable"},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := UpdateRef(s); got != "refs/heads/nixos-unstable" {
		t.Fatalf("UpdateRef() = %q", got)
	}

	d, err := swpins.NewSpec("core", "local", swpins.Declaration{Type: "directory", Options: map[string]any{"path": "/src"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := UpdateRef(d); got != "" {
		t.Fatalf("UpdateRef(directory) = %q", got)
	}
}

func TestUpdateSetSkipsSpecsWithoutRef(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	store := swpins.Store{Dir: t.TempDir()}
	ps, err := swpins.LoadCore(store, map[string]swpins.Declaration{
		"local":   {Type: "directory", Options: map[string]any{"path": src}},
		"nixpkgs": {Type: "git", Options: map[string]any{"url": "https://github.com/NixOS/nixpkgs"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := updateSet(context.Background(), &swpins.Env{}, ps, "")
	if err != nil {
		t.Fatalf("updateSet() error = %v", err)
	}
	if len(updated) != 1 || updated[0].Spec.Name() != "local" {
		t.Fatalf("updateSet() = %+v", updated)
	}

	reloaded, err := swpins.LoadCore(store, map[string]swpins.Declaration{
		"local": {Type: "directory", Options: map[string]any{"path": src}},
	})
	if err != nil {
		t.Fatal(err)
	}
	local, _ := reloaded.Get("local")
	if !local.Valid() || local.Path() != src {
		t.Fatalf("reloaded local = valid %v path %q", local.Valid(), local.Path())
	}

	entries, err := Entries([]*swpins.PinSet{reloaded}, "")
	if err != nil {
		t.Fatal(err)
	}
	out := Table(entries)
	for _, want := range []string{"core", "local", "directory", src} {
		if !strings.Contains(out, want) {
			t.Fatalf("Table() missing %q:\n%s", want, out)
		}
	}
}
