package codechat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codechat-universal/codechat/pkg/audit"
	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/codechat-universal/codechat/pkg/gateway"
	"github.com/codechat-universal/codechat/pkg/orchestrator"
	"github.com/codechat-universal/codechat/pkg/scheduler"
	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker, the sandbox runtime and the local gateway",
	RunE:  runStart,
}

var startNoWorker bool

func init() {
	startCmd.Flags().BoolVar(&startNoWorker, "no-worker", false, "do not launch the browser-automation worker")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := config.Current()

	if err := config.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, nil)
	logger.Info("starting codechat",
		slog.String("version", version),
		slog.String("addr", cfg.ListenAddr()),
		slog.String("engine", cfg.Sandbox.Engine),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracer(sctx)
	}()

	db, auditLog, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runtime, err := newRuntime(cfg, logger, auditLog)
	if err != nil {
		return fmt.Errorf("creating sandbox runtime: %w", err)
	}
	if err := runtime.Ping(ctx); err != nil {
		logger.Warn("container engine not reachable; sandbox jobs will fail until it is", slog.String("err", err.Error()))
	}

	token, generated, err := cfg.EnsureAuthToken()
	if err != nil {
		return err
	}
	if generated {
		logger.Info("generated gateway auth token", slog.String("path", config.TokenPath()))
	}

	hub := gateway.NewHub(logger)
	gwCfg := gateway.Config{
		Addr:      cfg.ListenAddr(),
		Sandbox:   runtime,
		Hub:       hub,
		Logger:    logger,
		AuthToken: token,
	}

	if !startNoWorker {
		orch, err := startWorker(ctx, cfg, logger, auditLog, hub)
		if err != nil {
			logger.Error("automation worker unavailable", slog.String("err", err.Error()))
		}
		if orch != nil {
			gwCfg.Worker = orch
			defer stopWorker(orch, logger)
		}
	}

	sched := scheduler.New(logger)
	if err := addHousekeeping(sched, cfg, runtime, auditLog); err != nil {
		return err
	}
	go sched.Start(ctx)
	defer sched.Stop()

	gw := gateway.New(gwCfg)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("shutting down")
	return nil
}

// startWorker returns a non-nil orchestrator whenever the script resolved,
// even if the first launch failed, so the gateway can restart it later.
func startWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditLog *audit.Logger, hub *gateway.Hub) (*orchestrator.Orchestrator, error) {
	launcher, script, err := workerLauncher(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("worker script resolved", slog.String("script", script))

	orch, err := orchestrator.New(orchestrator.Config{
		Launcher:  launcher,
		QueueSize: cfg.Worker.QueueSize,
		Sink:      hub,
		Logger:    logger,
		Audit:     auditLog,
	})
	if err != nil {
		return nil, err
	}
	if err := orch.Start(ctx); err != nil {
		return orch, err
	}
	if cfg.Worker.InitOnStart {
		if err := orch.Dispatch(ctx, orchestrator.ActionInit, nil); err != nil {
			return orch, fmt.Errorf("sending init: %w", err)
		}
	}
	return orch, nil
}

func stopWorker(orch *orchestrator.Orchestrator, logger *slog.Logger) {
	if orch.Running() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := orch.Dispatch(ctx, orchestrator.ActionClose, nil); err != nil {
			logger.Warn("sending close to worker failed", slog.String("err", err.Error()))
		}
		cancel()
	}
	_ = orch.Close()
}

type reaper interface {
	Reap(ctx context.Context, olderThan time.Duration) (int, error)
}

func addHousekeeping(sched *scheduler.Scheduler, cfg *config.Config, r reaper, auditLog *audit.Logger) error {
	if after := cfg.ReapAfter(); after > 0 && cfg.Sandbox.ReapSchedule != "" {
		err := sched.Add(scheduler.Job{
			Name:       "sandbox-reap",
			Schedule:   cfg.Sandbox.ReapSchedule,
			RunOnStart: true,
			Func: func(ctx context.Context) error {
				_, err := r.Reap(ctx, after)
				return err
			},
		})
		if err != nil {
			return err
		}
	}

	if keep := cfg.AuditRetention(); keep > 0 && cfg.Audit.PruneSchedule != "" {
		err := sched.Add(scheduler.Job{
			Name:     "audit-prune",
			Schedule: cfg.Audit.PruneSchedule,
			Func: func(ctx context.Context) error {
				n, err := auditLog.Prune(ctx, time.Now().Add(-keep))
				if err != nil {
					return err
				}
				if n > 0 {
					return auditLog.Log(ctx, audit.EventAuditPrune, "audit", "scheduler", map[string]int64{"deleted": n})
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
