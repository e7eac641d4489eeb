package codechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/codechat-universal/codechat/pkg/audit"
	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/codechat-universal/codechat/pkg/sandbox"
	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a code snippet in a sandbox container",
	Long: "Run executes a snippet in a fresh, network-less, memory-limited container and prints its combined output.\n" +
		"Supported languages: " + strings.Join(sandbox.Languages(), ", ") + ".",
	RunE: runRun,
}

var (
	runLang    string
	runCode    string
	runFile    string
	runTimeout time.Duration
	runJSON    bool
)

func init() {
	runCmd.Flags().StringVarP(&runLang, "lang", "l", "", "language of the snippet")
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "code to run")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read code from file (- for stdin)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "deadline for the job (default: sandbox.timeout from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("lang")
	runCmd.MarkFlagsMutuallyExclusive("code", "file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Current()

	code, err := readCode()
	if err != nil {
		return err
	}

	job, err := sandbox.JobFor(runLang, code)
	if err != nil {
		return err
	}

	logger := telemetry.SetupLogger("warn", "text", nil)

	var auditLog *audit.Logger
	db, al, err := openStore(cfg)
	if err == nil {
		defer func() { _ = db.Close() }()
		auditLog = al
	} else {
		logger.Warn("audit log unavailable", slog.String("err", err.Error()))
	}

	runtime, err := newRuntime(cfg, logger, auditLog)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	res, err := runtime.Run(ctx, job)
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			return fmt.Errorf("job did not finish in time: %w", err)
		}
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		states := make([]string, len(res.States))
		for i, s := range res.States {
			states[i] = s.String()
		}
		return enc.Encode(map[string]any{
			"output":       res.Output,
			"exit_code":    res.ExitCode,
			"container_id": res.ContainerID,
			"duration_ms":  res.Duration.Milliseconds(),
			"states":       states,
			"removed":      res.Removed,
		})
	}

	fmt.Print(res.Output)
	if res.ExitCode != 0 {
		return fmt.Errorf("snippet exited with code %d", res.ExitCode)
	}
	return nil
}

func readCode() (string, error) {
	switch {
	case runFile == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	case runFile != "":
		b, err := os.ReadFile(runFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", runFile, err)
		}
		return string(b), nil
	case runCode != "":
		return runCode, nil
	default:
		return "", fmt.Errorf("one of --code or --file is required")
	}
}
