package fake

import (
	"context"
	"slices"
	"strings"
	"sync"

	"confctl/internal/remote"
)

// TransportHandler answers one faked remote command.
type TransportHandler func(target remote.Target, argv []string) (remote.Result, error)

type transportRoute struct {
	target   string
	contains string
	handler  TransportHandler
}

// Transport is a scripted remote.Transport. Routes match on target name
// ("" for any) and a substring of the space-joined argv. The most recently
// registered matching route wins; unmatched commands exit 127.
type Transport struct {
	CallRecorder
	mu     sync.Mutex
	routes []transportRoute
}

var _ remote.Transport = (*Transport)(nil)

func NewTransport() *Transport { return &Transport{} }

func (t *Transport) On(target, contains string, h TransportHandler) *Transport {
	t.mu.Lock()
	t.routes = append(t.routes, transportRoute{target: target, contains: contains, handler: h})
	t.mu.Unlock()
	return t
}

func (t *Transport) OnStdout(target, contains, stdout string) *Transport {
	return t.On(target, contains, func(remote.Target, []string) (remote.Result, error) {
		return remote.Result{Stdout: stdout}, nil
	})
}

func (t *Transport) OnExit(target, contains string, status int, stderr string) *Transport {
	return t.On(target, contains, func(remote.Target, []string) (remote.Result, error) {
		return remote.Result{ExitStatus: status, Stderr: stderr}, nil
	})
}

func (t *Transport) Execute(_ context.Context, target remote.Target, argv []string) (remote.Result, error) {
	t.record(Call{Method: "Execute", Target: target.Name, Argv: slices.Clone(argv)})
	line := strings.Join(argv, " ")

	t.mu.Lock()
	var h TransportHandler
	for i := len(t.routes) - 1; i >= 0; i-- {
		rt := t.routes[i]
		if rt.target != "" && rt.target != target.Name {
			continue
		}
		if !strings.Contains(line, rt.contains) {
			continue
		}
		h = rt.handler
		break
	}
	t.mu.Unlock()

	if h == nil {
		return remote.Result{ExitStatus: 127, Stderr: "fake: no handler"}, nil
	}
	return h(target, argv)
}
