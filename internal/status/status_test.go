package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"confctl/internal/adapter/fake"
	"confctl/internal/generation"
	"confctl/internal/remote"
	"confctl/internal/swpins"
)

const statusOutput = `12345.5
--
/nix/store/aaa-system
--
{"nixpkgs":{"type":"git","nix_options":{},"info":{"rev":"0123456789abcdef","sha256":"x"}},"local":{"type":"directory","nix_options":{},"info":{"path":"/src/local"}}}
`

func target(name string) remote.Target { return remote.Target{Name: name, Host: name} }

func TestQueryParsesStatus(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().OnStdout("node1", "/proc/uptime", statusOutput)
	st := Query(context.Background(), tr, Subject{Target: target("node1")}, Options{})
	if st.Err != nil {
		t.Fatalf("Query() error = %v", st.Err)
	}
	if !st.Online {
		t.Fatal("Online = false")
	}
	if st.Uptime != 12345*time.Second+500*time.Millisecond {
		t.Fatalf("Uptime = %v", st.Uptime)
	}
	if st.Toplevel != "/nix/store/aaa-system" {
		t.Fatalf("Toplevel = %q", st.Toplevel)
	}
	if st.Swpins["nixpkgs"] != "01234567" || st.Swpins["local"] != "/src/local" {
		t.Fatalf("Swpins = %v", st.Swpins)
	}
	if st.Verdict() != Unknown {
		t.Fatalf("Verdict() = %s, want unknown without a wanted toplevel", st.Verdict())
	}
}

func TestQueryOffline(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().OnExit("node1", "/proc/uptime", 255, "ssh: connect to host node1: No route to host")
	st := Query(context.Background(), tr, Subject{Target: target("node1")}, Options{})
	if st.Online {
		t.Fatal("Online = true")
	}
	var exitErr *remote.ExitError
	if !errors.As(st.Err, &exitErr) {
		t.Fatalf("Err = %v, want *remote.ExitError", st.Err)
	}
	if st.Verdict() != Offline {
		t.Fatalf("Verdict() = %s", st.Verdict())
	}
}

func TestQueryRejectsMalformedOutput(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().OnStdout("node1", "/proc/uptime", "garbage")
	st := Query(context.Background(), tr, Subject{Target: target("node1")}, Options{})
	if st.Err == nil {
		t.Fatal("Query() error = nil")
	}
}

func TestQueryListsGenerations(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().
		OnStdout("node1", "/proc/uptime", statusOutput).
		OnStdout("node1", "-link", "7 /nix/store/aaa-system 1756684800 6.6.40\ncurrent /nix/store/aaa-system\n")
	st := Query(context.Background(), tr, Subject{Target: target("node1")}, Options{Generations: true})
	if st.Err != nil {
		t.Fatalf("Query() error = %v", st.Err)
	}
	if st.Generations == nil || st.Generations.Len() != 1 {
		t.Fatalf("Generations = %+v", st.Generations)
	}
	if cur := st.Generations.Current(); cur == nil || cur.ID != 7 {
		t.Fatalf("Current() = %+v", cur)
	}
}

func TestVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		st   Status
		want Verdict
	}{
		{
			name: "offline",
			st:   Status{Want: Want{Toplevel: "/nix/store/a"}},
			want: Offline,
		},
		{
			name: "nothing wanted",
			st:   Status{Online: true, Toplevel: "/nix/store/a"},
			want: Unknown,
		},
		{
			name: "matching",
			st: Status{
				Online:   true,
				Toplevel: "/nix/store/a",
				Swpins:   map[string]string{"nixpkgs": "abc"},
				Want:     Want{Toplevel: "/nix/store/a", Swpins: map[string]string{"nixpkgs": "abc"}},
			},
			want: UpToDate,
		},
		{
			name: "different toplevel",
			st: Status{
				Online:   true,
				Toplevel: "/nix/store/b",
				Want:     Want{Toplevel: "/nix/store/a"},
			},
			want: Outdated,
		},
		{
			name: "different swpin",
			st: Status{
				Online:   true,
				Toplevel: "/nix/store/a",
				Swpins:   map[string]string{"nixpkgs": "old"},
				Want:     Want{Toplevel: "/nix/store/a", Swpins: map[string]string{"nixpkgs": "new"}},
			},
			want: Outdated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.st.Verdict(); got != tt.want {
				t.Fatalf("Verdict() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutdatedSwpinsSorted(t *testing.T) {
	t.Parallel()

	st := Status{
		Online: true,
		Swpins: map[string]string{"a": "1", "b": "1", "c": "1"},
		Want:   Want{Swpins: map[string]string{"c": "2", "a": "2", "b": "1", "d": "1"}},
	}
	got := st.OutdatedSwpins()
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("OutdatedSwpins() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("OutdatedSwpins() = %v, want %v", got, want)
		}
	}
}

func TestQueryAllKeepsSubjectOrder(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().
		OnStdout("", "/proc/uptime", statusOutput).
		OnExit("node2", "/proc/uptime", 255, "unreachable")

	subjects := []Subject{
		{Target: target("node3"), Want: Want{Toplevel: "/nix/store/aaa-system"}},
		{Target: target("node2"), Want: Want{Toplevel: "/nix/store/aaa-system"}},
		{Target: target("node1"), Want: Want{Toplevel: "/nix/store/other-system"}},
	}
	got := QueryAll(context.Background(), tr, subjects, Options{Concurrency: 2})
	if len(got) != 3 {
		t.Fatalf("QueryAll() returned %d statuses", len(got))
	}
	wantHosts := []string{"node3", "node2", "node1"}
	wantVerdicts := []Verdict{UpToDate, Offline, Outdated}
	for i := range got {
		if got[i].Host != wantHosts[i] || got[i].Verdict() != wantVerdicts[i] {
			t.Fatalf("status[%d] = %s %s, want %s %s", i, got[i].Host, got[i].Verdict(), wantHosts[i], wantVerdicts[i])
		}
	}
}

func TestWantGeneration(t *testing.T) {
	t.Parallel()

	g := &generation.BuildGeneration{
		Host:     "node1",
		Name:     "2026-01-02--03-04-05",
		Toplevel: "/nix/store/aaa-system",
		Swpins: map[string]generation.Pin{
			"nixpkgs": {Path: "/nix/store/src", Spec: swpins.Record{Type: "git", Info: map[string]any{"rev": "fedcba9876543210"}}},
		},
	}
	w := WantGeneration(g)
	if w.Generation != g.Name || w.Toplevel != g.Toplevel {
		t.Fatalf("WantGeneration() = %+v", w)
	}
	if w.Swpins["nixpkgs"] != "fedcba98" {
		t.Fatalf("Swpins = %v", w.Swpins)
	}
}
