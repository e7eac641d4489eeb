package sandbox

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

type fakeContainer struct {
	spec    ContainerSpec
	created time.Time
	output  string
	exit    int64
}

// fakeEngine is an in-memory Engine. A single instance is shared by every
// dial so tests can inspect what the runtime did.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	seq        int

	creates []ContainerSpec
	removes []string

	createErr error
	startErr  error
	logsErr   error
	removeErr error
	hang      bool
	waiting   chan string

	exec func(argv []string) (string, int64)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		exec:       interpret,
	}
}

// interpret fakes just enough of python and node for the tests.
func interpret(argv []string) (string, int64) {
	if len(argv) < 3 {
		return "", 1
	}
	code := argv[2]
	switch {
	case code == "print(1+1)" || code == "console.log(1+1)":
		return "2\n", 0
	case strings.HasPrefix(code, "print(") && strings.HasSuffix(code, ")"):
		return strings.Trim(code[len("print("):len(code)-1], `"'`) + "\n", 0
	case strings.Contains(code, "raise"):
		return "Traceback (most recent call last):\nException\n", 1
	default:
		return "", 0
	}
}

func (f *fakeEngine) dialer() Dialer {
	return func(context.Context) (Engine, error) { return f, nil }
}

func (f *fakeEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, spec)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{spec: spec, created: time.Now()}
	return id, nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.output, c.exit = f.exec(c.spec.Argv)
	return nil
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	c := f.containers[id]
	hang, waiting := f.hang, f.waiting
	f.mu.Unlock()

	if waiting != nil {
		waiting <- id
	}
	if hang {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return c.exit, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string, fn func(Stream, []byte)) error {
	f.mu.Lock()
	c := f.containers[id]
	logsErr := f.logsErr
	f.mu.Unlock()

	if logsErr != nil {
		fn(Stdout, []byte("partial "))
		return logsErr
	}
	if c.exit != 0 {
		fn(Stderr, []byte(c.output))
		return nil
	}
	fn(Stdout, []byte(c.output))
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) List(_ context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for id, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, ContainerInfo{
				ID:      id,
				Name:    c.spec.Name,
				Image:   c.spec.Image,
				Created: c.created,
				Labels:  maps.Clone(c.spec.Labels),
			})
		}
	}
	return out, nil
}

func (f *fakeEngine) Ping(context.Context) error { return nil }
func (f *fakeEngine) Close() error               { return nil }

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeEngine) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type auditEvent struct {
	eventType string
	detail    any
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []auditEvent
}

func (a *fakeAuditor) Log(_ context.Context, eventType, _, _ string, detail any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, auditEvent{eventType, detail})
	return nil
}

func (a *fakeAuditor) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.eventType)
	}
	return out
}
