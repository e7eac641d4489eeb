package codechat

import (
	"fmt"
	"log/slog"

	"github.com/codechat-universal/codechat/pkg/audit"
	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/codechat-universal/codechat/pkg/credentials"
	"github.com/codechat-universal/codechat/pkg/orchestrator"
	"github.com/codechat-universal/codechat/pkg/sandbox"
	"github.com/codechat-universal/codechat/pkg/store"
)

func openStore(cfg *config.Config) (*store.Store, *audit.Logger, error) {
	db, err := store.New(cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	auditLog, err := audit.New(db.DB())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	return db, auditLog, nil
}

func openCredentials(cfg *config.Config, db *store.Store) (*credentials.Store, error) {
	key := cfg.MasterKey()
	if key == "" {
		return nil, fmt.Errorf("credential store needs a master key in $%s", cfg.Credentials.MasterKeyEnv)
	}
	return credentials.New(db.DB(), key)
}

func sandboxDialer(cfg *config.Config) sandbox.Dialer {
	if cfg.Sandbox.Engine == config.EngineCLI {
		return sandbox.CLIDialer(cfg.Sandbox.Runtime)
	}
	return sandbox.DockerDialer()
}

func newRuntime(cfg *config.Config, logger *slog.Logger, auditLog *audit.Logger) (*sandbox.Runtime, error) {
	rcfg := sandbox.RuntimeConfig{
		Dial:           sandboxDialer(cfg),
		Timeout:        cfg.SandboxTimeout(),
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		RejectWhenBusy: cfg.Sandbox.Admission == config.AdmissionReject,
		Logger:         logger,
	}
	// A nil *audit.Logger must not become a non-nil interface.
	if auditLog != nil {
		rcfg.Audit = auditLog
	}
	return sandbox.NewRuntime(rcfg)
}

// workerLauncher resolves the adapter script, installing the bundled copy
// into the data dir on first use.
func workerLauncher(cfg *config.Config, logger *slog.Logger) (orchestrator.ExecLauncher, string, error) {
	adapters := orchestrator.AdaptersDir(config.DataDir())
	if cfg.Worker.Script == "" {
		installed, err := orchestrator.InstallAdapter(cfg.Worker.BundledDir, adapters, cfg.Worker.Adapter)
		if err != nil {
			logger.Warn("installing bundled adapter failed", slog.String("err", err.Error()))
		} else if installed {
			logger.Info("installed bundled adapter", slog.String("dir", adapters))
		}
	}

	script, err := orchestrator.ResolveScript(cfg.Worker.Script, adapters, cfg.Worker.BundledDir, cfg.Worker.Adapter)
	if err != nil {
		return orchestrator.ExecLauncher{}, "", err
	}

	args := append([]string{}, cfg.Worker.Args...)
	args = append(args, script)
	return orchestrator.ExecLauncher{
		Command: cfg.Worker.Command,
		Args:    args,
	}, script, nil
}
