// Package orchestrator supervises the long-lived browser-automation worker
// and feeds it newline-delimited JSON commands over stdin.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codechat-universal/codechat/pkg/policy"
	"github.com/codechat-universal/codechat/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrWorkerUnavailable = errors.New("orchestrator: worker unavailable")
	ErrClosed            = errors.New("orchestrator: closed")
	ErrAlreadyRunning    = errors.New("orchestrator: worker already running")
)

const (
	DefaultQueueSize = 64

	maxLineSize = 4 << 20
	stopGrace   = 2 * time.Second
	killGrace   = 5 * time.Second
)

// OutputSink receives every line the worker prints. Calls come from a single
// goroutine per worker and must not block for long.
type OutputSink interface {
	WorkerLine(line string)
}

type SinkFunc func(line string)

func (f SinkFunc) WorkerLine(line string) { f(line) }

// Auditor records boundary decisions. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, eventType, component, actor string, detail any) error
}

type Config struct {
	Launcher Launcher

	// QueueSize bounds commands accepted but not yet written.
	QueueSize int

	Sink   OutputSink
	Logger *slog.Logger
	Audit  Auditor
}

type Orchestrator struct {
	launcher  Launcher
	queueSize int
	sink      OutputSink
	logger    *slog.Logger
	audit     Auditor

	// lifecycle serializes Start, Restart and Close.
	lifecycle sync.Mutex

	mu     sync.Mutex
	worker *worker
	closed bool
}

type worker struct {
	proc   Process
	queue  chan *writeRequest
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	err    error
}

type writeRequest struct {
	line   []byte
	result chan error
	// state moves once from pending to either taken (writer) or
	// abandoned (caller gave up before the writer got to it).
	state atomic.Int32
}

const (
	reqPending int32 = iota
	reqTaken
	reqAbandoned
)

func (r *writeRequest) take() bool {
	return r.state.CompareAndSwap(reqPending, reqTaken)
}

func (r *writeRequest) abandon() bool {
	return r.state.CompareAndSwap(reqPending, reqAbandoned)
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("orchestrator: launcher is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Orchestrator{
		launcher:  cfg.Launcher,
		queueSize: cfg.QueueSize,
		sink:      cfg.Sink,
		logger:    telemetry.Component(cfg.Logger, "orchestrator"),
		audit:     cfg.Audit,
	}, nil
}

// Start launches the worker. It fails with ErrAlreadyRunning while a
// previous worker is still alive.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	closed, cur := o.closed, o.worker
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if cur != nil && cur.alive() {
		return ErrAlreadyRunning
	}
	return o.launch(ctx)
}

// Restart stops the current worker, if any, and launches a new one.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	closed, cur := o.closed, o.worker
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if cur != nil {
		o.shutdown(cur)
	}

	if err := o.launch(ctx); err != nil {
		return err
	}
	telemetry.Metrics.WorkerRestarts.Inc()
	o.record(ctx, "worker_restart", nil)
	return nil
}

// Close stops the worker. Dispatch fails with ErrWorkerUnavailable afterwards.
func (o *Orchestrator) Close() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cur := o.worker
	o.worker = nil
	o.mu.Unlock()

	if cur != nil {
		o.shutdown(cur)
	}
	telemetry.Metrics.WorkerUp.Set(0)
	return nil
}

// Running reports whether a worker is alive and accepting commands.
func (o *Orchestrator) Running() bool {
	w := o.current()
	return w != nil && w.alive()
}

// Dispatch sends one command to the worker. A navigate command whose url
// is not allowed is dropped: nothing is written and nil is returned. The
// call returns once the record has been written to the worker's stdin.
// When ctx ends first, ctx.Err() is returned and a record still waiting in
// the queue is dropped. A record the writer had already started writing may
// still reach the worker.
func (o *Orchestrator) Dispatch(ctx context.Context, action string, payload any) (err error) {
	cmd, err := NewCommand(action, payload)
	if err != nil {
		return err
	}
	label := actionLabel(action)

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.dispatch", attribute.String("worker.action", action))
	defer func() { telemetry.EndSpan(span, err) }()

	if action == ActionNavigate {
		if url, ok := cmd.navigateTarget(); ok && !policy.IsURLAllowed(url) {
			telemetry.Metrics.PolicyDenials.WithLabelValues(string(policy.KindURL)).Inc()
			telemetry.Metrics.WorkerCommands.WithLabelValues(label, "denied").Inc()
			o.logger.Warn("navigation denied by policy", slog.String("url", url))
			o.record(ctx, "policy_deny", map[string]string{"kind": string(policy.KindURL), "target": url})
			span.SetAttributes(attribute.Bool("policy.denied", true))
			return nil
		}
	}

	line, err := cmd.Line()
	if err != nil {
		return err
	}

	w := o.current()
	if w == nil {
		telemetry.Metrics.WorkerCommands.WithLabelValues(label, "unavailable").Inc()
		return fmt.Errorf("%w: not started", ErrWorkerUnavailable)
	}

	err = w.send(ctx, line)
	switch {
	case err == nil:
		telemetry.Metrics.WorkerCommands.WithLabelValues(label, "sent").Inc()
		o.logger.Debug("command dispatched", slog.String("action", action))
	case errors.Is(err, ErrWorkerUnavailable):
		telemetry.Metrics.WorkerCommands.WithLabelValues(label, "unavailable").Inc()
	default:
		telemetry.Metrics.WorkerCommands.WithLabelValues(label, "canceled").Inc()
	}
	return err
}

func (o *Orchestrator) current() *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.worker
}

func (o *Orchestrator) launch(ctx context.Context) error {
	proc, err := o.launcher.Launch(ctx)
	if err != nil {
		o.logger.Error("worker failed to start", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	w := &worker{
		proc:   proc,
		queue:  make(chan *writeRequest, o.queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	o.mu.Lock()
	o.worker = w
	o.mu.Unlock()

	go o.writeLoop(w)
	go o.readLoop(w)

	telemetry.Metrics.WorkerUp.Set(1)
	o.logger.Info("worker started", slog.Int("pid", proc.Pid()))
	o.record(ctx, "worker_start", map[string]int{"pid": proc.Pid()})
	return nil
}

// writeLoop is the only writer of the worker's stdin, so records never
// interleave.
func (o *Orchestrator) writeLoop(w *worker) {
	stdin := w.proc.Stdin()
	for {
		select {
		case <-w.done:
			return
		case req := <-w.queue:
			if !req.take() {
				continue
			}
			if _, err := stdin.Write(req.line); err != nil {
				err = fmt.Errorf("%w: write: %w", ErrWorkerUnavailable, err)
				req.result <- err
				o.logger.Error("worker stdin write failed", slog.String("err", err.Error()))
				w.stop(err)
				return
			}
			req.result <- nil
		}
	}
}

func (o *Orchestrator) readLoop(w *worker) {
	sc := bufio.NewScanner(w.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		telemetry.Metrics.WorkerOutputLines.Inc()
		o.logger.Info("worker output", slog.String("line", line))
		if o.sink != nil {
			o.sink.WorkerLine(line)
		}
	}
	if err := sc.Err(); err != nil {
		o.logger.Warn("worker output reader stopped", slog.String("err", err.Error()))
		// Keep the pipe drained so the worker cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, w.proc.Stdout())
	}

	// Wait only after stdout is fully read.
	waitErr := w.proc.Wait()
	cause := "exited"
	if waitErr != nil {
		cause = waitErr.Error()
	}
	w.stop(fmt.Errorf("%w: worker %s", ErrWorkerUnavailable, cause))
	close(w.exited)

	o.mu.Lock()
	if o.worker == w {
		telemetry.Metrics.WorkerUp.Set(0)
	}
	o.mu.Unlock()

	o.logger.Warn("worker exited", slog.String("status", cause))
	o.record(context.Background(), "worker_exit", map[string]string{"status": cause})
}

// shutdown closes stdin, gives the worker stopGrace to exit, then kills it.
func (o *Orchestrator) shutdown(w *worker) {
	w.stop(fmt.Errorf("%w: stopped", ErrWorkerUnavailable))
	_ = w.proc.Stdin().Close()

	select {
	case <-w.exited:
		return
	case <-time.After(stopGrace):
	}

	o.logger.Warn("worker did not exit after stdin closed, killing", slog.Int("pid", w.proc.Pid()))
	if err := w.proc.Kill(); err != nil {
		o.logger.Error("killing worker failed", slog.String("err", err.Error()))
	}
	select {
	case <-w.exited:
	case <-time.After(killGrace):
		o.logger.Error("worker still running after kill", slog.Int("pid", w.proc.Pid()))
	}
}

func (o *Orchestrator) record(ctx context.Context, eventType string, detail any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, eventType, "orchestrator", "system", detail); err != nil {
		o.logger.Warn("audit log failed", slog.String("event", eventType), slog.String("err", err.Error()))
	}
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) stop(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *worker) cause() error {
	<-w.done
	return w.err
}

func (w *worker) send(ctx context.Context, line []byte) error {
	req := &writeRequest{line: line, result: make(chan error, 1)}

	select {
	case w.queue <- req:
	case <-w.done:
		return w.cause()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-w.done:
		return w.settle(req)
	case <-ctx.Done():
		// An abandoned record is never written. One the writer already
		// took may still land.
		req.abandon()
		return ctx.Err()
	}
}

// settle resolves a request once the worker has stopped. A record the
// writer took always gets a result.
func (w *worker) settle(req *writeRequest) error {
	if req.abandon() {
		return w.cause()
	}
	return <-req.result
}
