package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codechat-universal/codechat/pkg/policy"
	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// cleanupTimeout bounds removal once the job context is already done.
const cleanupTimeout = 30 * time.Second

// Auditor records boundary decisions. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, eventType, component, actor string, detail any) error
}

type RuntimeConfig struct {
	Dial Dialer

	// Timeout bounds a whole job. Zero leaves the wait for container exit
	// unbounded; a caller context deadline still applies.
	Timeout time.Duration

	// MaxConcurrent caps jobs in flight. Zero means no cap.
	MaxConcurrent int64

	// RejectWhenBusy fails with ErrBusy instead of queueing for a slot.
	RejectWhenBusy bool

	Logger *slog.Logger
	Audit  Auditor
}

type Runtime struct {
	dial    Dialer
	timeout time.Duration
	sem     *semaphore.Weighted
	reject  bool
	logger  *slog.Logger
	audit   Auditor

	// inflight holds the names of containers owned by a running job.
	// Reap leaves them alone whatever their age.
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("sandbox: runtime requires a dialer")
	}
	r := &Runtime{
		dial:     cfg.Dial,
		timeout:  cfg.Timeout,
		reject:   cfg.RejectWhenBusy,
		logger:   telemetry.Component(cfg.Logger, "sandbox"),
		audit:    cfg.Audit,
		inflight: make(map[string]struct{}),
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return r, nil
}

// Execute runs code with the interpreter registered for language and returns
// the combined stdout and stderr.
func (r *Runtime) Execute(ctx context.Context, language, code string) (string, error) {
	job, err := JobFor(language, code)
	if err != nil {
		telemetry.Metrics.SandboxJobs.WithLabelValues("unsupported", "unsupported").Inc()
		return "", err
	}
	res, err := r.Run(ctx, job)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// Run executes job in a fresh container. Policy and admission are checked
// before any engine call is made.
func (r *Runtime) Run(ctx context.Context, job Job) (*Result, error) {
	lang := job.Language
	if lang == "" {
		lang = "custom"
	}

	if err := policy.CheckImage(job.Image); err != nil {
		telemetry.Metrics.PolicyDenials.WithLabelValues(string(policy.KindImage)).Inc()
		telemetry.Metrics.SandboxJobs.WithLabelValues(lang, "policy").Inc()
		r.logger.Warn("sandbox image denied by policy", slog.String("image", job.Image))
		r.record(ctx, "policy_deny", map[string]string{"kind": string(policy.KindImage), "target": job.Image})
		return nil, err
	}
	if len(job.Argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty command")
	}

	if err := r.admit(ctx); err != nil {
		status := "rejected"
		if !errors.Is(err, ErrBusy) {
			status = outcome(err)
		}
		telemetry.Metrics.SandboxJobs.WithLabelValues(lang, status).Inc()
		return nil, err
	}
	defer r.release()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartSpan(ctx, "sandbox.run",
		attribute.String("sandbox.language", lang),
		attribute.String("sandbox.image", job.Image),
	)

	start := time.Now()
	res, err := r.run(ctx, job, lang)
	res.Duration = time.Since(start)

	telemetry.Metrics.SandboxDuration.WithLabelValues(lang).Observe(res.Duration.Seconds())
	telemetry.Metrics.SandboxJobs.WithLabelValues(lang, outcome(err)).Inc()
	telemetry.EndSpan(span, err)

	detail := map[string]any{
		"language":    lang,
		"image":       job.Image,
		"container":   res.ContainerID,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"final_state": res.States[len(res.States)-1].String(),
		"removed":     res.Removed,
	}
	if errors.Is(err, ErrTimeout) {
		r.record(ctx, "sandbox_timeout", detail)
	} else {
		r.record(ctx, "sandbox_exec", detail)
	}

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runtime) run(ctx context.Context, job Job, lang string) (*Result, error) {
	var lc lifecycle
	res := &Result{ExitCode: -1}
	defer func() {
		res.States = append([]State{StatePending}, lc.history...)
	}()

	eng, err := r.dial(ctx)
	if err != nil {
		lc.fail()
		return res, r.classify(ctx, ErrCreate, fmt.Errorf("connecting to container engine: %w", err))
	}
	defer eng.Close()

	spec := ContainerSpec{
		Name:        namePrefix + uuid.NewString(),
		Image:       job.Image,
		Argv:        job.Argv,
		MemoryBytes: MemoryLimit,
		NoNetwork:   true,
		Labels: map[string]string{
			LabelSandbox:  "true",
			LabelLanguage: lang,
		},
	}

	logger := r.logger.With(slog.String("container", spec.Name), slog.String("language", lang))

	r.track(spec.Name)
	defer r.untrack(spec.Name)

	id, err := eng.Create(ctx, spec)
	if err != nil {
		lc.fail()
		return res, r.classify(ctx, ErrCreate, err)
	}
	res.ContainerID = id
	_ = lc.advance(StateCreated)
	logger.Debug("sandbox container created", slog.String("id", id))

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := eng.Remove(cctx, id, true); err != nil {
			telemetry.Metrics.SandboxCleanupError.WithLabelValues("remove").Inc()
			logger.Warn("sandbox container removal failed", slog.String("err", err.Error()))
			lc.fail()
			return
		}
		res.Removed = true
		_ = lc.advance(StateRemoved)
	}()

	if err := eng.Start(ctx, id); err != nil {
		lc.fail()
		return res, r.classify(ctx, ErrStart, err)
	}
	_ = lc.advance(StateStarted)

	_ = lc.advance(StateAwaiting)
	code, err := eng.Wait(ctx, id)
	if ctx.Err() != nil {
		lc.fail()
		return res, r.classify(ctx, nil, ctx.Err())
	}
	if err != nil {
		logger.Warn("sandbox wait failed, collecting logs anyway", slog.String("err", err.Error()))
	} else {
		res.ExitCode = code
	}

	var out strings.Builder
	err = eng.Logs(ctx, id, func(_ Stream, chunk []byte) {
		out.Write(chunk)
	})
	if err != nil {
		if ctx.Err() != nil {
			lc.fail()
			return res, r.classify(ctx, nil, ctx.Err())
		}
		telemetry.Metrics.SandboxCleanupError.WithLabelValues("logs").Inc()
		logger.Warn("sandbox log collection incomplete", slog.String("err", err.Error()))
		fmt.Fprintf(&out, "Error reading logs: %v", err)
	}
	res.Output = out.String()
	_ = lc.advance(StateLogsCollected)

	logger.Info("sandbox job finished", slog.Int64("exit_code", res.ExitCode))
	return res, nil
}

// classify turns a failure into the error surfaced to the caller. A passed
// deadline wins over the stage error.
func (r *Runtime) classify(ctx context.Context, stage, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("sandbox: %w", ctx.Err())
	case stage != nil:
		return fmt.Errorf("%w: %w", stage, err)
	default:
		return err
	}
}

func (r *Runtime) admit(ctx context.Context) error {
	if r.sem != nil {
		if r.reject {
			if !r.sem.TryAcquire(1) {
				return ErrBusy
			}
		} else if err := r.sem.Acquire(ctx, 1); err != nil {
			return r.classify(ctx, nil, err)
		}
	}
	telemetry.Metrics.SandboxActive.Inc()
	return nil
}

func (r *Runtime) track(name string) {
	r.mu.Lock()
	r.inflight[name] = struct{}{}
	r.mu.Unlock()
}

func (r *Runtime) untrack(name string) {
	r.mu.Lock()
	delete(r.inflight, name)
	r.mu.Unlock()
}

func (r *Runtime) running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[name]
	return ok
}

func (r *Runtime) release() {
	telemetry.Metrics.SandboxActive.Dec()
	if r.sem != nil {
		r.sem.Release(1)
	}
}

func (r *Runtime) record(ctx context.Context, event string, detail any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(context.WithoutCancel(ctx), event, "sandbox", "system", detail); err != nil {
		r.logger.Warn("audit write failed", slog.String("event", event), slog.String("err", err.Error()))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCreate):
		return "create_error"
	case errors.Is(err, ErrStart):
		return "start_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
