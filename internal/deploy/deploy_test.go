package deploy_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"confctl/internal/adapter/fake"
	"confctl/internal/adapter/sqlite"
	"confctl/internal/command"
	"confctl/internal/deploy"
	"confctl/internal/healthcheck"
	"confctl/internal/remote"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fleet simulates machines: boot ids change on reboot, and commands can be
// made to fail per host.
type fleet struct {
	*fake.Transport
	mu     sync.Mutex
	boots  map[string]int
	failOn map[string]string
}

func newFleet() *fleet {
	f := &fleet{Transport: fake.NewTransport(), boots: map[string]int{}, failOn: map[string]string{}}
	f.On("", "", func(t remote.Target, argv []string) (remote.Result, error) {
		line := strings.Join(argv, " ")
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.failOn[t.Name]; ok && strings.Contains(line, s) {
			return remote.Result{ExitStatus: 1, Stderr: "boom"}, nil
		}
		switch {
		case strings.Contains(line, remote.BootIDPath):
			return remote.Result{Stdout: fmt.Sprintf("boot-%d\n", f.boots[t.Name])}, nil
		case line == "systemctl reboot":
			f.boots[t.Name]++
			return remote.Result{ExitStatus: 255}, nil
		}
		return remote.Result{}, nil
	})
	return f
}

func (f *fleet) fail(host, contains string) {
	f.mu.Lock()
	f.failOn[host] = contains
	f.mu.Unlock()
}

// steps lists per host the pipeline commands seen, in order.
func (f *fleet) steps(host string) []string {
	var out []string
	for _, line := range f.Lines(host) {
		switch {
		case strings.Contains(line, "switch-to-configuration"):
			out = append(out, "activate")
		case line == "systemctl reboot":
			out = append(out, "reboot")
		case strings.HasPrefix(line, "check"):
			out = append(out, "check")
		}
	}
	return out
}

type confirmer struct {
	mu      sync.Mutex
	decline map[string]bool
	asked   []string
}

func (c *confirmer) Confirm(_ context.Context, host string, step deploy.Step) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := host + ":" + string(step)
	c.asked = append(c.asked, key)
	return !c.decline[key], nil
}

func plans(hosts ...string) []deploy.HostPlan {
	var out []deploy.HostPlan
	for _, h := range hosts {
		out = append(out, deploy.HostPlan{
			Target:   remote.Target{Name: h, Host: h},
			Toplevel: "/nix/store/" + h + "-system",
			Checks:   []healthcheck.Check{&healthcheck.RunCommand{Type: healthcheck.KindRunCommand, Command: []string{"check", h}}},
		})
	}
	return out
}

func baseOptions(f *fleet, runner command.Runner) deploy.Options {
	return deploy.Options{
		Action:     remote.ActionSwitch,
		Transport:  f,
		Runner:     runner,
		RebootPoll: time.Millisecond,
	}
}

func states(s *deploy.Summary) map[string]deploy.State {
	out := map[string]deploy.State{}
	for _, h := range s.Hosts {
		out[h.Host] = h.State
	}
	return out
}

func TestRunPreconditions(t *testing.T) {
	t.Parallel()

	f := newFleet()
	tests := []struct {
		name  string
		opts  func(o *deploy.Options)
		hosts []deploy.HostPlan
		want  error
	}{
		{name: "no hosts", hosts: nil, want: deploy.ErrNoHosts},
		{name: "reboot without boot", opts: func(o *deploy.Options) { o.Reboot = true }, hosts: plans("a"), want: deploy.ErrRebootNeedsBoot},
		{name: "unknown action", opts: func(o *deploy.Options) { o.Action = "restart" }, hosts: plans("a"), want: deploy.ErrUnknownAction},
		{name: "missing toplevel", hosts: []deploy.HostPlan{{Target: remote.Target{Name: "a"}}}, want: deploy.ErrMissingToplevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions(f, fake.NewRunner())
			if tt.opts != nil {
				tt.opts(&opts)
			}
			if _, err := deploy.Run(context.Background(), opts, tt.hosts); !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
	if len(f.Calls("")) != 0 {
		t.Fatal("refused runs touched hosts")
	}
}

func TestHealthChecksRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action string
		reboot bool
		want   bool
	}{
		{remote.ActionSwitch, false, true},
		{remote.ActionTest, false, true},
		{remote.ActionBoot, false, false},
		{remote.ActionBoot, true, true},
		{remote.ActionDryActivate, false, false},
	}
	for _, tt := range tests {
		o := deploy.Options{Action: tt.action, Reboot: tt.reboot}
		if got := o.HealthChecksRequired(); got != tt.want {
			t.Fatalf("%s reboot=%v: HealthChecksRequired() = %v, want %v", tt.action, tt.reboot, got, tt.want)
		}
	}
	if (deploy.Options{Action: remote.ActionSwitch, SkipHealthChecks: true}).HealthChecksRequired() {
		t.Fatal("SkipHealthChecks ignored")
	}
}

func TestRunBulkBootWithReboot(t *testing.T) {
	t.Parallel()

	f := newFleet()
	runner := fake.NewRunner().OnStdout("", "nix-copy-closure")
	opts := baseOptions(f, runner)
	opts.Action = remote.ActionBoot
	opts.Reboot = true
	opts.SSH = remote.SSHOptions{KeyPath: "/keys/id"}

	summary, err := deploy.Run(context.Background(), opts, plans("a", "b"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for host, st := range states(summary) {
		if st != deploy.StateHealthy {
			t.Fatalf("%s state = %s, want healthy", host, st)
		}
	}
	want := []deploy.State{
		deploy.StatePending, deploy.StateCopying, deploy.StateCopied, deploy.StateActivating, deploy.StateActivated,
		deploy.StateRebooting, deploy.StateRebooted, deploy.StateHealthChecking, deploy.StateHealthy,
	}
	if !slices.Equal(summary.Hosts[0].History, want) {
		t.Fatalf("history = %v, want %v", summary.Hosts[0].History, want)
	}
	if got := f.steps("a"); !slices.Equal(got, []string{"activate", "reboot", "check"}) {
		t.Fatalf("a steps = %q", got)
	}

	copies := runner.Calls("Run")
	if len(copies) != 2 || !strings.HasPrefix(copies[0].Line(), "nix-copy-closure --to ") {
		t.Fatalf("copies = %v", copies)
	}

	// Bulk mode activates every host before rebooting any.
	var order []string
	for _, c := range f.Calls("Execute") {
		if strings.Contains(c.Line(), "switch-to-configuration") {
			order = append(order, "activate:"+c.Target)
		}
		if c.Line() == "systemctl reboot" {
			order = append(order, "reboot:"+c.Target)
		}
	}
	if !slices.Equal(order, []string{"activate:a", "activate:b", "reboot:a", "reboot:b"}) {
		t.Fatalf("order = %q", order)
	}
}

func TestRunOneByOneCompletesEachHost(t *testing.T) {
	t.Parallel()

	f := newFleet()
	opts := baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
	opts.OneByOne = true

	if _, err := deploy.Run(context.Background(), opts, plans("a", "b")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var order []string
	for _, c := range f.Calls("Execute") {
		switch {
		case strings.Contains(c.Line(), "switch-to-configuration"):
			order = append(order, "activate:"+c.Target)
		case strings.HasPrefix(c.Line(), "check"):
			order = append(order, "check:"+c.Target)
		}
	}
	if !slices.Equal(order, []string{"activate:a", "check:a", "activate:b", "check:b"}) {
		t.Fatalf("order = %q", order)
	}
}

func TestRunCopyFailureIsFatalAfterAllCopies(t *testing.T) {
	t.Parallel()

	f := newFleet()
	runner := fake.NewRunner().
		OnStdout("", "nix-copy-closure").
		OnExit(1, "connection refused", "nix-copy-closure", "--to", "b")
	summary, err := deploy.Run(context.Background(), baseOptions(f, runner), plans("a", "b", "c"))

	var hostErr *deploy.HostError
	if !errors.As(err, &hostErr) || hostErr.Host != "b" || hostErr.Step != deploy.StepCopy {
		t.Fatalf("Run() error = %v, want copy HostError for b", err)
	}
	if len(runner.Calls("Run")) != 3 {
		t.Fatalf("copies attempted = %d, want all 3", len(runner.Calls("Run")))
	}
	st := states(summary)
	if st["a"] != deploy.StateCopied || st["b"] != deploy.StateCopyFailed || st["c"] != deploy.StateCopied {
		t.Fatalf("states = %v", st)
	}
	if len(f.steps("a")) != 0 {
		t.Fatal("activated after a fatal copy failure")
	}
}

func TestRunActivationFailureAbortsRemainingHosts(t *testing.T) {
	t.Parallel()

	f := newFleet()
	f.fail("a", "switch-to-configuration")
	summary, err := deploy.Run(context.Background(), baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure")), plans("a", "b"))

	var hostErr *deploy.HostError
	if !errors.As(err, &hostErr) || hostErr.Step != deploy.StepActivate {
		t.Fatalf("Run() error = %v, want activation HostError", err)
	}
	st := states(summary)
	if st["a"] != deploy.StateActivationFailed || st["b"] != deploy.StateCopied {
		t.Fatalf("states = %v", st)
	}
	if len(f.steps("b")) != 0 {
		t.Fatal("b activated after a failed")
	}
}

func TestRunDeclinedStepsSkipDownstream(t *testing.T) {
	t.Parallel()

	f := newFleet()
	c := &confirmer{decline: map[string]bool{"a:copy": true, "b:reboot": true}}
	opts := baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
	opts.Action = remote.ActionBoot
	opts.Reboot = true
	opts.Confirmer = c

	summary, err := deploy.Run(context.Background(), opts, plans("a", "b", "c"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	st := states(summary)
	if st["a"] != deploy.StateRebootSkipped || st["b"] != deploy.StateRebootSkipped || st["c"] != deploy.StateHealthy {
		t.Fatalf("states = %v", st)
	}
	if !slices.Equal(summary.Hosts[0].History, []deploy.State{
		deploy.StatePending, deploy.StateCopySkipped, deploy.StateActivationSkipped, deploy.StateRebootSkipped,
	}) {
		t.Fatalf("a history = %v", summary.Hosts[0].History)
	}
	if len(f.steps("a")) != 0 {
		t.Fatalf("a steps = %q, want none", f.steps("a"))
	}
	if got := f.steps("b"); !slices.Equal(got, []string{"activate"}) {
		t.Fatalf("b steps = %q, want activation only", got)
	}
	for _, q := range c.asked {
		if strings.HasPrefix(q, "a:") && q != "a:copy" {
			t.Fatalf("asked %q after a declined copy", q)
		}
	}
}

func TestRunHealthCheckFailurePolicy(t *testing.T) {
	t.Parallel()

	for _, keepGoing := range []bool{false, true} {
		t.Run(fmt.Sprintf("keepGoing=%v", keepGoing), func(t *testing.T) {
			t.Parallel()
			f := newFleet()
			f.fail("b", "check")
			opts := baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
			opts.KeepGoing = keepGoing

			summary, err := deploy.Run(context.Background(), opts, plans("a", "b"))
			var failure *healthcheck.FailureError
			if keepGoing && err != nil {
				t.Fatalf("Run() error = %v, want nil with keep going", err)
			}
			if !keepGoing && !errors.As(err, &failure) {
				t.Fatalf("Run() error = %v, want FailureError", err)
			}
			st := states(summary)
			if st["a"] != deploy.StateHealthy || st["b"] != deploy.StateUnhealthy {
				t.Fatalf("states = %v", st)
			}
			if len(summary.Failed()) != 1 || summary.Failed()[0].Host != "b" {
				t.Fatalf("Failed() = %+v", summary.Failed())
			}
		})
	}
}

func TestRunCopyOnlyAndDryActivate(t *testing.T) {
	t.Parallel()

	f := newFleet()
	opts := baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
	opts.CopyOnly = true
	summary, err := deploy.Run(context.Background(), opts, plans("a"))
	if err != nil || summary.Hosts[0].State != deploy.StateCopied || len(f.Calls("")) != 0 {
		t.Fatalf("copy only: state=%s err=%v calls=%d", summary.Hosts[0].State, err, len(f.Calls("")))
	}

	f = newFleet()
	opts = baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
	opts.Action = remote.ActionDryActivate
	summary, err = deploy.Run(context.Background(), opts, plans("a"))
	if err != nil || summary.Hosts[0].State != deploy.StateActivated {
		t.Fatalf("dry-activate: state=%s err=%v", summary.Hosts[0].State, err)
	}
	for _, line := range f.Lines("a") {
		if strings.HasPrefix(line, "nix-env") {
			t.Fatal("dry-activate changed the system profile")
		}
	}
}

func TestRunRecordsJournalAndTelemetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	events := make(chan deploy.ProgressEvent, 64)

	f := newFleet()
	opts := baseOptions(f, fake.NewRunner().OnStdout("", "nix-copy-closure"))
	opts.Journal = db
	opts.Tracer = provider.Tracer("deploy-test")
	opts.Events = events

	summary, err := deploy.Run(ctx, opts, plans("a"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	entries, err := db.DeployHistory(ctx, "a", 10)
	if err != nil {
		t.Fatalf("DeployHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != summary.RunID || entries[0].State != "healthy" {
		t.Fatalf("journal = %+v", entries)
	}

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"deploy", "copy/a", "activate/a", "healthcheck/a"} {
		if !names[want] {
			t.Fatalf("missing span %q in %v", want, names)
		}
	}

	close(events)
	var last deploy.ProgressEvent
	for ev := range events {
		last = ev
	}
	if last.Host != "a" || last.State != deploy.StateHealthy || last.RunID != summary.RunID {
		t.Fatalf("last event = %+v", last)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	if got := deploy.StatePending.Transition(deploy.StateCopying); got != deploy.StateCopying {
		t.Fatalf("Pending -> Copying = %s", got)
	}
	if got := deploy.StateCopySkipped.Transition(deploy.StateActivationSkipped); got != deploy.StateActivationSkipped {
		t.Fatalf("CopySkipped -> ActivationSkipped = %s", got)
	}
	for s := deploy.StatePending; s <= deploy.StateUnhealthy; s++ {
		parsed, ok := deploy.ParseState(s.String())
		if !ok || parsed != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), parsed, ok)
		}
	}
}
