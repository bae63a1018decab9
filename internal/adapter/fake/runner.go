package fake

import (
	"context"
	"slices"
	"sync"

	"confctl/internal/command"
)

// Handler answers one faked command.
type Handler func(spec command.Spec) (command.Output, error)

type route struct {
	prefix  []string
	handler Handler
}

// Runner is a scripted command.Runner. Commands are answered by the
// handler registered for the longest matching argv prefix; unmatched
// commands exit 127.
type Runner struct {
	CallRecorder
	mu     sync.Mutex
	routes []route
}

var _ command.Runner = (*Runner)(nil)

func NewRunner() *Runner { return &Runner{} }

// On registers h for commands starting with prefix.
func (r *Runner) On(h Handler, prefix ...string) *Runner {
	r.mu.Lock()
	r.routes = append(r.routes, route{prefix: prefix, handler: h})
	r.mu.Unlock()
	return r
}

// OnStdout answers commands starting with prefix with stdout and status 0.
func (r *Runner) OnStdout(stdout string, prefix ...string) *Runner {
	return r.On(func(command.Spec) (command.Output, error) {
		return command.Output{Stdout: stdout}, nil
	}, prefix...)
}

// OnExit answers commands starting with prefix with an exit status.
func (r *Runner) OnExit(status int, stderr string, prefix ...string) *Runner {
	return r.On(func(command.Spec) (command.Output, error) {
		return command.Output{ExitStatus: status, Stderr: stderr}, nil
	}, prefix...)
}

func (r *Runner) Run(_ context.Context, spec command.Spec) (command.Output, error) {
	r.record(Call{Method: "Run", Argv: slices.Clone(spec.Argv)})

	r.mu.Lock()
	h := match(r.routes, spec.Argv)
	r.mu.Unlock()

	if h == nil {
		return command.Output{ExitStatus: 127, Stderr: "fake: no handler"}, nil
	}
	return h(spec)
}

func match(routes []route, argv []string) Handler {
	var (
		best    Handler
		bestLen = -1
	)
	for _, rt := range routes {
		if len(rt.prefix) > len(argv) || len(rt.prefix) < bestLen {
			continue
		}
		if slices.Equal(rt.prefix, argv[:len(rt.prefix)]) {
			best, bestLen = rt.handler, len(rt.prefix)
		}
	}
	return best
}
