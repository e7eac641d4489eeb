package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	lines   chan string
	exitCh  chan struct{}
	once    sync.Once
	exitErr error

	failWrites bool
	ignoreEOF  bool

	// stall, when set, holds off reading stdin until closed.
	stall chan struct{}
	// writing receives a value each time a write to stdin begins.
	writing chan struct{}
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{
		pid:    pid,
		lines:  make(chan string, 256),
		exitCh: make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *fakeProcess) run() {
	if p.stall != nil {
		<-p.stall
	}
	sc := bufio.NewScanner(p.stdinR)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
	if !p.ignoreEOF {
		p.exit(nil)
	}
}

func (p *fakeProcess) Stdin() io.WriteCloser {
	if p.failWrites {
		return failingWriter{}
	}
	if p.writing != nil {
		return notifyingWriter{WriteCloser: p.stdinW, writing: p.writing}
	}
	return p.stdinW
}

type notifyingWriter struct {
	io.WriteCloser
	writing chan struct{}
}

func (w notifyingWriter) Write(b []byte) (int, error) {
	select {
	case w.writing <- struct{}{}:
	default:
	}
	return w.WriteCloser.Write(b)
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Pid() int          { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exitCh
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.exitCh)
	})
}

func (p *fakeProcess) print(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
		t.Fatalf("writing worker output: %v", err)
	}
}

func (p *fakeProcess) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command line")
		return ""
	}
}

func (p *fakeProcess) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case line := <-p.lines:
		t.Fatalf("unexpected line written: %s", line)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (failingWriter) Close() error              { return nil }

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	err      error
	setup    func(*fakeProcess)
	launches int
}

func (l *fakeLauncher) Launch(ctx context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launches++
	p := newFakeProcess(1000 + l.launches)
	if l.setup != nil {
		l.setup(p)
	}
	go p.run()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []string
	detail []any
}

func (a *fakeAuditor) Log(_ context.Context, eventType, component, actor string, detail any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *fakeAuditor) has(eventType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
	ch    chan string
}

func newLineCollector() *lineCollector {
	return &lineCollector{ch: make(chan string, 64)}
}

func (c *lineCollector) WorkerLine(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	c.ch <- line
}

func (c *lineCollector) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker output")
		return ""
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
