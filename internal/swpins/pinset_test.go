package swpins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"confctl/internal/adapter/fake"
)

func TestResolveMachineMergesChannelsAndOverrides(t *testing.T) {
	t.Parallel()

	store := Store{Dir: t.TempDir()}
	stable, err := LoadChannel(store, "stable", map[string]Declaration{
		"nixpkgs":    gitDecl("refs/heads/nixos-24.05"),
		"vpsadminos": gitDecl("refs/heads/staging"),
	})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	extra, err := LoadChannel(store, "extra", map[string]Declaration{
		"vpsadminos": gitDecl("refs/heads/master"),
	})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}

	local := map[string]Declaration{"nixpkgs": gitDecl("refs/heads/nixos-unstable")}
	ps, err := ResolveMachine(store, "node1", []*PinSet{stable, extra}, local)
	if err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}

	if got := ps.Names(); !reflect.DeepEqual(got, []string{"nixpkgs", "vpsadminos"}) {
		t.Fatalf("Names() = %q", got)
	}
	nixpkgs, _ := ps.Get("nixpkgs")
	if nixpkgs.Channel() != "" {
		t.Fatalf("local override tagged with channel %q", nixpkgs.Channel())
	}
	vpsadminos, _ := ps.Get("vpsadminos")
	if vpsadminos.Channel() != "extra" {
		t.Fatalf("vpsadminos channel = %q, want extra (later channel wins)", vpsadminos.Channel())
	}

	again, err := ResolveMachine(store, "node1", []*PinSet{stable, extra}, local)
	if err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}
	if !reflect.DeepEqual(ps.Records(), again.Records()) || !reflect.DeepEqual(ps.Names(), again.Names()) {
		t.Fatal("resolving twice produced different pin sets")
	}

	err = ps.Set(context.Background(), nil, "vpsadminos", []string{"abc"})
	if !errors.Is(err, ErrInheritedSpec) {
		t.Fatalf("Set() on inherited spec error = %v, want ErrInheritedSpec", err)
	}
	if err := ps.Update(context.Background(), nil, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() on unknown spec error = %v, want ErrNotFound", err)
	}
}

func TestPinSetPersistsOwnedSpecsOnly(t *testing.T) {
	t.Parallel()

	store := Store{Dir: t.TempDir()}
	runner := fake.NewRunner().OnStdout(prefetchOutput(revA), "nix-prefetch-git")
	env := testEnv(runner, fake.NewClock(time.Unix(1_700_000_000, 0)), t.TempDir())

	channel, err := LoadChannel(store, "stable", map[string]Declaration{"nixpkgs": gitDecl("main")})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	if err := channel.Update(context.Background(), env, "nixpkgs"); err != nil {
		t.Fatalf("channel Update() error = %v", err)
	}
	if err := channel.Save(); err != nil {
		t.Fatalf("channel Save() error = %v", err)
	}

	local := map[string]Declaration{"overlay": gitDecl("main")}
	machine, err := ResolveMachine(store, "cluster/node1", []*PinSet{channel}, local)
	if err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}
	if err := machine.Set(context.Background(), env, "overlay", []string{"v1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := machine.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	recs, err := ReadRecords(filepath.Join(store.Dir, "cluster", "cluster%2Fnode1.json"))
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if _, ok := recs["nixpkgs"]; ok {
		t.Fatal("inherited spec persisted into machine file")
	}
	if recs["overlay"].Info["rev"] != revA {
		t.Fatalf("overlay record = %+v", recs["overlay"])
	}

	reloaded, err := LoadChannel(store, "stable", map[string]Declaration{"nixpkgs": gitDecl("main")})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	if err := ReadyToBuild(reloaded); err != nil {
		t.Fatalf("reloaded channel not ready: %v", err)
	}
}

func TestReadRecordsToleratesComments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "core.json")
	data := `{
  // pinned by hand
  "nixpkgs": {"type": "git", "nix_options": {"url": "x"},},
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if recs["nixpkgs"].Type != TypeGit {
		t.Fatalf("records = %+v", recs)
	}

	empty, err := ReadRecords(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || len(empty) != 0 {
		t.Fatalf("absent file = %v, %v; want empty set", empty, err)
	}
}

func TestReadyToBuildListsInvalidSpecs(t *testing.T) {
	t.Parallel()

	store := Store{Dir: t.TempDir()}
	channel, err := LoadChannel(store, "stable", map[string]Declaration{"nixpkgs": gitDecl("main")})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	machine, err := ResolveMachine(store, "node1", []*PinSet{channel}, nil)
	if err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}

	err = ReadyToBuild(machine)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ReadyToBuild() error = %v, want *ValidationError", err)
	}
	if len(verr.Invalid) != 1 || !strings.Contains(verr.Invalid[0], "nixpkgs (channel stable)") {
		t.Fatalf("invalid = %q", verr.Invalid)
	}
}

func TestPinSetAutoUpdateSkipsInherited(t *testing.T) {
	t.Parallel()

	store := Store{Dir: t.TempDir()}
	runner := fake.NewRunner().OnStdout(prefetchOutput(revA), "nix-prefetch-git")
	env := testEnv(runner, fake.NewClock(time.Unix(1_700_000_000, 0)), t.TempDir())

	channel, err := LoadChannel(store, "stable", map[string]Declaration{"nixpkgs": gitDecl("main")})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	machine, err := ResolveMachine(store, "node1", []*PinSet{channel}, map[string]Declaration{"own": gitDecl("main")})
	if err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}

	updated, err := machine.AutoUpdate(context.Background(), env)
	if err != nil {
		t.Fatalf("AutoUpdate() error = %v", err)
	}
	if !reflect.DeepEqual(updated, []string{"own"}) {
		t.Fatalf("updated = %q, want [own]", updated)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	ps, err := LoadChannel(Store{Dir: t.TempDir()}, "stable", map[string]Declaration{
		"nixpkgs":    gitDecl("main"),
		"nixos-hw":   gitDecl("main"),
		"vpsadminos": gitDecl("main"),
	})
	if err != nil {
		t.Fatalf("LoadChannel() error = %v", err)
	}
	got, err := ps.Match("nix*")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(got) != 2 || got[0].Name() != "nixos-hw" || got[1].Name() != "nixpkgs" {
		t.Fatalf("Match() = %v", got)
	}
}
