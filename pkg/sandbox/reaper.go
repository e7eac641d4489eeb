package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codechat-universal/codechat/pkg/telemetry"
)

// Reap force-removes sandbox containers created more than olderThan ago.
// It catches containers left behind when the process died mid-job.
// Containers of jobs still running in this runtime are skipped. It returns
// the number of containers removed.
func (r *Runtime) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	eng, err := r.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("sandbox: reap: %w", err)
	}
	defer eng.Close()

	list, err := eng.List(ctx, map[string]string{LabelSandbox: "true"})
	if err != nil {
		return 0, fmt.Errorf("sandbox: reap: listing containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, c := range list {
		if c.Created.IsZero() || c.Created.After(cutoff) {
			continue
		}
		if r.running(c.Name) {
			r.logger.Debug("sandbox reap: skipping running job", slog.String("container", c.Name))
			continue
		}
		if err := eng.Remove(ctx, c.ID, true); err != nil {
			telemetry.Metrics.SandboxCleanupError.WithLabelValues("reap").Inc()
			r.logger.Warn("sandbox reap: removal failed",
				slog.String("container", c.Name),
				slog.String("err", err.Error()),
			)
			continue
		}
		removed++
		r.logger.Info("sandbox reap: removed stale container",
			slog.String("container", c.Name),
			slog.Time("created", c.Created),
		)
	}

	if removed > 0 {
		r.record(ctx, "sandbox_reap", map[string]any{"removed": removed})
	}
	return removed, nil
}

// Ping checks that the engine is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	eng, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	return eng.Ping(ctx)
}
