package healthcheck

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"confctl/internal/adapter/fake"
	"confctl/internal/logging"
	"confctl/internal/remote"
)

var node1 = remote.Target{Name: "node1", Host: "node1.example"}

func testEnv(tr remote.Transport) Env {
	return Env{Transport: tr, Target: node1, Logger: logging.Discard()}
}

func TestDecodeList(t *testing.T) {
	t.Parallel()

	data := `[
		{"type": "run-command", "command": ["curl", "-f", "http://localhost"], "exitStatus": 0, "timeout": 30, "cooldown": 2},
		{"type": "systemd-properties", "properties": [{"property": "SystemState", "value": "running"}]},
		{"type": "systemd-unit-properties", "unit": "nginx.service", "properties": [{"property": "ActiveState", "value": "active"}]}
	]`
	var l List
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(l) != 3 {
		t.Fatalf("decoded %d checks", len(l))
	}
	rc, ok := l[0].(*RunCommand)
	if !ok {
		t.Fatalf("check 0 is %T", l[0])
	}
	if rc.Timeout.Duration() != 30*time.Second || rc.Cooldown.Duration() != 2*time.Second {
		t.Fatalf("timing = %+v", rc.Timing)
	}
	if got := l[2].Description(); got != "unit nginx.service ActiveState=active" {
		t.Fatalf("description = %q", got)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()

	var l List
	err := json.Unmarshal([]byte(`[{"type": "ping"}]`), &l)
	if err == nil || !strings.Contains(err.Error(), `unknown type "ping"`) {
		t.Fatalf("Unmarshal() error = %v", err)
	}
}

func TestRunCommandCollectsAllReasons(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().On("node1", "check-app", func(remote.Target, []string) (remote.Result, error) {
		return remote.Result{ExitStatus: 2, Stdout: "degraded\n", Stderr: "warning: disk\n"}, nil
	})
	match := "ok"
	c := &RunCommand{
		Command:    []string{"check-app"},
		ExitStatus: 0,
		Stdout:     OutputMatch{Match: &match},
		Stderr:     OutputMatch{Exclude: []string{"warning"}},
	}

	res := c.Run(context.Background(), testEnv(tr))
	if res.Passed {
		t.Fatal("expected failure")
	}
	for _, want := range []string{"exit status 2, expected 0", `"degraded" does not match "ok"`, `standard error includes "warning"`} {
		if !strings.Contains(res.Message, want) {
			t.Fatalf("message %q missing %q", res.Message, want)
		}
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 without timeout", res.Attempts)
	}
}

func TestRunCommandRetriesUntilPass(t *testing.T) {
	t.Parallel()

	calls := 0
	tr := fake.NewTransport().On("node1", "check-app", func(remote.Target, []string) (remote.Result, error) {
		calls++
		if calls < 3 {
			return remote.Result{ExitStatus: 1}, nil
		}
		return remote.Result{}, nil
	})
	c := &RunCommand{
		Command: []string{"check-app"},
		Timing:  Timing{Timeout: Seconds(5 * time.Second), Cooldown: Seconds(10 * time.Millisecond)},
	}

	res := c.Run(context.Background(), testEnv(tr))
	if !res.Passed || res.Attempts != 3 || res.Message != "" {
		t.Fatalf("result = %+v, want pass on third attempt", res)
	}
}

func TestRunCommandGivesUpAfterTimeout(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().OnExit("node1", "check-app", 1, "")
	c := &RunCommand{
		Command: []string{"check-app"},
		Timing:  Timing{Timeout: Seconds(50 * time.Millisecond), Cooldown: Seconds(10 * time.Millisecond)},
	}

	start := time.Now()
	res := c.Run(context.Background(), testEnv(tr))
	if res.Passed {
		t.Fatal("expected failure")
	}
	if res.Attempts < 2 {
		t.Fatalf("attempts = %d, want retries within timeout", res.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("check ran %v past its timeout", elapsed)
	}
}

func TestRetryKeepsReasonsOfLastCompleteAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	attempt := func(ctx context.Context) []string {
		calls++
		if calls == 1 {
			return []string{"exit status 1, expected 0"}
		}
		<-ctx.Done()
		return []string{ctx.Err().Error()}
	}
	timing := Timing{Timeout: Seconds(50 * time.Millisecond), Cooldown: Seconds(time.Millisecond)}

	res := retry(context.Background(), "check-app", timing, logging.Discard(), attempt)
	if res.Passed {
		t.Fatal("expected failure")
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if res.Message != "exit status 1, expected 0" {
		t.Fatalf("message = %q, want the reason of the first attempt", res.Message)
	}
}

func TestSystemdUnitProperties(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().OnStdout("node1", "systemctl show nginx.service --property=ActiveState,SubState", "ActiveState=active\nSubState=dead\n")
	c := &SystemdUnitProperties{Unit: "nginx.service", Properties: []Property{
		{Name: "ActiveState", Value: "active"},
		{Name: "SubState", Value: "running"},
	}}

	res := c.Run(context.Background(), testEnv(tr))
	if res.Passed {
		t.Fatal("expected failure")
	}
	if res.Message != `property SubState is "dead", expected "running"` {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestConfigAllAddsSystemdDefault(t *testing.T) {
	t.Parallel()

	cfg := Config{Systemd: true, Checks: List{&RunCommand{Command: []string{"true"}}}}
	all := cfg.All()
	if len(all) != 2 || all[0].Kind() != KindSystemdProperties {
		t.Fatalf("All() = %v", all)
	}
	if all[0].Description() != "systemd SystemState=running" {
		t.Fatalf("default description = %q", all[0].Description())
	}
}
