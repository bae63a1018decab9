package healthcheck

import (
	"context"
	"errors"
	"testing"

	"confctl/internal/adapter/fake"
	"confctl/internal/logging"
	"confctl/internal/remote"
)

type scriptedResolver struct {
	decisions []Decision
	asked     int
}

func (r *scriptedResolver) Resolve(context.Context, Report) (Decision, error) {
	d := r.decisions[r.asked]
	r.asked++
	return d, nil
}

func flakySubject(tr *fake.Transport, failures int) Subject {
	calls := 0
	tr.On("node1", "flaky", func(remote.Target, []string) (remote.Result, error) {
		calls++
		if calls <= failures {
			return remote.Result{ExitStatus: 1}, nil
		}
		return remote.Result{}, nil
	})
	tr.OnStdout("node1", "steady", "")
	return Subject{Target: node1, Checks: []Check{
		&RunCommand{Command: []string{"steady"}},
		&RunCommand{Command: []string{"flaky"}},
	}}
}

func TestEnginePolicies(t *testing.T) {
	t.Parallel()

	t.Run("default fails", func(t *testing.T) {
		t.Parallel()
		e := &Engine{Transport: fake.NewTransport(), Logger: logging.Discard()}
		tr := e.Transport.(*fake.Transport)
		report, err := e.Check(context.Background(), flakySubject(tr, 1))
		var ferr *FailureError
		if !errors.As(err, &ferr) || len(ferr.Failed) != 1 {
			t.Fatalf("Check() error = %v, want one failure", err)
		}
		if report.OK() {
			t.Fatal("report must record the failure")
		}
	})

	t.Run("keep going records failures", func(t *testing.T) {
		t.Parallel()
		tr := fake.NewTransport()
		e := &Engine{Transport: tr, KeepGoing: true, Logger: logging.Discard()}
		report, err := e.Check(context.Background(), flakySubject(tr, 1))
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if len(report.Failed()) != 1 {
			t.Fatalf("failed = %v", report.Failed())
		}
	})

	t.Run("retry failed reruns only failures", func(t *testing.T) {
		t.Parallel()
		tr := fake.NewTransport()
		resolver := &scriptedResolver{decisions: []Decision{RetryFailed}}
		e := &Engine{Transport: tr, Resolver: resolver, Logger: logging.Discard()}
		report, err := e.Check(context.Background(), flakySubject(tr, 1))
		if err != nil || !report.OK() {
			t.Fatalf("Check() = %+v, %v", report, err)
		}
		if got := len(tr.Lines("node1")); got != 3 {
			t.Fatalf("commands run = %d, want 3 (steady once, flaky twice)", got)
		}
	})

	t.Run("retry all reruns everything", func(t *testing.T) {
		t.Parallel()
		tr := fake.NewTransport()
		resolver := &scriptedResolver{decisions: []Decision{RetryAll, RetryAll}}
		e := &Engine{Transport: tr, Resolver: resolver, Logger: logging.Discard()}
		report, err := e.Check(context.Background(), flakySubject(tr, 2))
		if err != nil || !report.OK() {
			t.Fatalf("Check() = %+v, %v", report, err)
		}
		if resolver.asked != 2 {
			t.Fatalf("resolver asked %d times", resolver.asked)
		}
		if got := len(tr.Lines("node1")); got != 6 {
			t.Fatalf("commands run = %d, want 6", got)
		}
	})

	t.Run("continue accepts failures", func(t *testing.T) {
		t.Parallel()
		tr := fake.NewTransport()
		e := &Engine{Transport: tr, Resolver: &scriptedResolver{decisions: []Decision{Continue}}, Logger: logging.Discard()}
		report, err := e.Check(context.Background(), flakySubject(tr, 5))
		if err != nil || !report.Accepted || report.OK() {
			t.Fatalf("Check() = %+v, %v", report, err)
		}
	})

	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		tr := fake.NewTransport()
		e := &Engine{Transport: tr, Resolver: &scriptedResolver{decisions: []Decision{Abort}}, Logger: logging.Discard()}
		_, err := e.Check(context.Background(), flakySubject(tr, 5))
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Check() error = %v, want ErrAborted", err)
		}
	})
}

func TestCheckAllJoinsFailures(t *testing.T) {
	t.Parallel()

	tr := fake.NewTransport().
		OnStdout("", "true", "").
		OnExit("node2", "true", 1, "")
	subjects := []Subject{
		{Target: remote.Target{Name: "node1"}, Checks: []Check{&RunCommand{Command: []string{"true"}}}},
		{Target: remote.Target{Name: "node2"}, Checks: []Check{&RunCommand{Command: []string{"true"}}}},
	}
	e := &Engine{Transport: tr, Concurrency: 2, Logger: logging.Discard()}

	reports, err := e.CheckAll(context.Background(), subjects)
	var ferr *FailureError
	if !errors.As(err, &ferr) || ferr.Machine != "node2" {
		t.Fatalf("CheckAll() error = %v, want node2 failure", err)
	}
	if !reports[0].OK() || reports[1].OK() {
		t.Fatalf("reports = %+v", reports)
	}
}
