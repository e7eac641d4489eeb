package codechat

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/codechat-universal/codechat/pkg/orchestrator"
	"github.com/codechat-universal/codechat/pkg/sandbox"
	"github.com/codechat-universal/codechat/pkg/store"
	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose issues with the CodeChat installation",
	RunE:  runDoctor,
}

type checkResult struct {
	name     string
	ok       bool
	detail   string
	optional bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("CodeChat Doctor v%s\n", version)
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Go: %s\n\n", runtime.Version())

	cfg := config.Current()
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	checks := []checkResult{
		checkDataDir(),
		checkConfig(),
		checkDatabase(ctx, cfg),
		checkEngine(ctx, cfg),
		checkNode(cfg),
		checkWorkerScript(cfg),
		checkMasterKey(cfg),
		checkGatewayHealth(cfg),
	}

	passed, failed := 0, 0
	for _, c := range checks {
		status := "✓"
		switch {
		case c.ok:
			passed++
		case c.optional:
			status = "-"
		default:
			status = "✗"
			failed++
		}
		fmt.Printf("  %s %s: %s\n", status, c.name, c.detail)
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func checkDataDir() checkResult {
	dir := config.DataDir()
	info, err := os.Stat(dir)
	if err != nil {
		return checkResult{name: "Data directory", detail: fmt.Sprintf("%s does not exist (created on first start)", dir), optional: true}
	}
	if !info.IsDir() {
		return checkResult{name: "Data directory", detail: fmt.Sprintf("%s is not a directory", dir)}
	}
	return checkResult{name: "Data directory", ok: true, detail: dir}
}

func checkConfig() checkResult {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return checkResult{name: "Config file", detail: fmt.Sprintf("%s not found (using defaults)", path), optional: true}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return checkResult{name: "Config file", detail: fmt.Sprintf("parse error: %s", err)}
	}
	return checkResult{name: "Config file", ok: true, detail: fmt.Sprintf("%s (port %d)", path, cfg.Gateway.Port)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) checkResult {
	if _, err := os.Stat(cfg.Store.DSN); err != nil {
		return checkResult{name: "Database", detail: fmt.Sprintf("%s not found (will be created on first start)", cfg.Store.DSN), optional: true}
	}
	db, err := store.New(cfg.Store.DSN)
	if err != nil {
		return checkResult{name: "Database", detail: err.Error()}
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return checkResult{name: "Database", detail: err.Error()}
	}
	info, _ := os.Stat(cfg.Store.DSN)
	return checkResult{name: "Database", ok: true, detail: fmt.Sprintf("%s (%d KB)", cfg.Store.DSN, info.Size()/1024)}
}

func checkEngine(ctx context.Context, cfg *config.Config) checkResult {
	name := fmt.Sprintf("Container engine (%s)", cfg.Sandbox.Engine)
	r, err := sandbox.NewRuntime(sandbox.RuntimeConfig{
		Dial:   sandboxDialer(cfg),
		Logger: telemetry.Discard(),
	})
	if err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	if err := r.Ping(ctx); err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	detail := "reachable"
	if cfg.Sandbox.Engine == config.EngineCLI {
		rt := cfg.Sandbox.Runtime
		if rt == "" {
			rt = sandbox.DetectRuntime()
		}
		detail = fmt.Sprintf("%s reachable", rt)
	}
	return checkResult{name: name, ok: true, detail: detail}
}

func checkNode(cfg *config.Config) checkResult {
	path, err := exec.LookPath(cfg.Worker.Command)
	if err != nil {
		return checkResult{name: "Worker runtime", detail: fmt.Sprintf("%s not found in PATH", cfg.Worker.Command)}
	}
	return checkResult{name: "Worker runtime", ok: true, detail: path}
}

func checkWorkerScript(cfg *config.Config) checkResult {
	adapters := orchestrator.AdaptersDir(config.DataDir())
	script, err := orchestrator.ResolveScript(cfg.Worker.Script, adapters, cfg.Worker.BundledDir, cfg.Worker.Adapter)
	if err != nil {
		return checkResult{name: "Worker script", detail: err.Error()}
	}
	return checkResult{name: "Worker script", ok: true, detail: script}
}

func checkMasterKey(cfg *config.Config) checkResult {
	key := cfg.MasterKey()
	if key == "" {
		return checkResult{name: "Credential master key", detail: fmt.Sprintf("$%s not set (needed for credentials)", cfg.Credentials.MasterKeyEnv), optional: true}
	}
	return checkResult{name: "Credential master key", ok: true, detail: fmt.Sprintf("set (%d chars)", len(key))}
}

func checkGatewayHealth(cfg *config.Config) checkResult {
	url := cfg.GatewayURL() + "/healthz"

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return checkResult{name: "Gateway", detail: "not running", optional: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return checkResult{name: "Gateway", ok: true, detail: fmt.Sprintf("running at %s", cfg.GatewayURL())}
	}
	return checkResult{name: "Gateway", detail: fmt.Sprintf("unhealthy (status %d)", resp.StatusCode)}
}
