// Package fake provides in-memory implementations of confctl's external
// collaborators (process runner, remote transport, clock) for tests.
package fake

import (
	"strings"
	"sync"
)

// Call records one invocation against a fake.
type Call struct {
	Method string
	Target string
	Argv   []string
}

// Line renders the call's argv as one space-separated string.
func (c Call) Line() string { return strings.Join(c.Argv, " ") }

// CallRecorder tracks invocations for assertions.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns recorded calls for method, or all calls when method is "".
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Lines returns the argv lines of calls made against target ("" for all).
func (r *CallRecorder) Lines(target string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, c := range r.calls {
		if target == "" || c.Target == target {
			out = append(out, c.Line())
		}
	}
	return out
}

// Reset clears recorded calls.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
