package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CLIEngine drives a docker-compatible command line (docker, podman or
// nerdctl). Stdout and stderr of `logs` share one writer, so their relative
// order is only as good as the CLI's own flushing.
type CLIEngine struct {
	runtime string
	run     func(ctx context.Context, stdout io.Writer, args ...string) error
}

func NewCLIEngine(runtime string) (*CLIEngine, error) {
	if runtime == "" {
		runtime = DetectRuntime()
	}
	if runtime == "" {
		return nil, fmt.Errorf("sandbox: no container runtime found (install docker, podman, or nerdctl)")
	}
	e := &CLIEngine{runtime: runtime}
	e.run = e.exec
	return e, nil
}

func CLIDialer(runtime string) Dialer {
	return func(context.Context) (Engine, error) {
		return NewCLIEngine(runtime)
	}
}

func (e *CLIEngine) Runtime() string {
	return e.runtime
}

func (e *CLIEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	out, err := e.output(ctx, createArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		id = spec.Name
	}
	return id, nil
}

func (e *CLIEngine) Start(ctx context.Context, id string) error {
	_, err := e.output(ctx, "start", id)
	return err
}

func (e *CLIEngine) Wait(ctx context.Context, id string) (int64, error) {
	out, err := e.output(ctx, "wait", id)
	if err != nil {
		return -1, err
	}
	code, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("parsing exit code %q: %w", strings.TrimSpace(out), err)
	}
	return code, nil
}

func (e *CLIEngine) Logs(ctx context.Context, id string, fn func(Stream, []byte)) error {
	return e.run(ctx, &lockedWriter{w: chunkWriter{Stdout, fn}}, "logs", id)
}

func (e *CLIEngine) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := e.output(ctx, append(args, id)...)
	return err
}

func (e *CLIEngine) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{json .}}"}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}

	out, err := e.output(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parsePSOutput(out)
}

func (e *CLIEngine) Ping(ctx context.Context) error {
	_, err := e.output(ctx, "version")
	return err
}

func (e *CLIEngine) Close() error {
	return nil
}

func (e *CLIEngine) output(ctx context.Context, args ...string) (string, error) {
	var stdout bytes.Buffer
	if err := e.run(ctx, &stdout, args...); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// exec runs the runtime binary. Stderr from the CLI itself is folded into
// the returned error.
func (e *CLIEngine) exec(ctx context.Context, stdout io.Writer, args ...string) error {
	proc := exec.CommandContext(ctx, e.runtime, args...)
	var stderr bytes.Buffer
	proc.Stdout = stdout
	proc.Stderr = &stderr
	if len(args) > 0 && args[0] == "logs" {
		proc.Stderr = stdout
	}

	if err := proc.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s %s: %w", e.runtime, args[0], err)
		}
		return fmt.Errorf("%s %s: %w: %s", e.runtime, args[0], err, msg)
	}
	return nil
}

// lockedWriter is comparable, so os/exec sees one writer for both streams
// and serializes the writes.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func createArgs(spec ContainerSpec) []string {
	args := []string{"create", "--name", spec.Name}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	if spec.NoNetwork {
		args = append(args, "--network", "none")
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.MemoryBytes, 10)+"b")
	}

	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

type psRow struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	CreatedAt string `json:"CreatedAt"`
	Labels    string `json:"Labels"`
}

const psTimeLayout = "2006-01-02 15:04:05 -0700 MST"

func parsePSOutput(out string) ([]ContainerInfo, error) {
	var infos []ContainerInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row psRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parsing ps output: %w", err)
		}
		created, _ := time.Parse(psTimeLayout, row.CreatedAt)
		infos = append(infos, ContainerInfo{
			ID:      row.ID,
			Name:    row.Names,
			Image:   row.Image,
			State:   row.State,
			Created: created,
			Labels:  parseLabels(row.Labels),
		})
	}
	return infos, sc.Err()
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			labels[k] = v
		}
	}
	return labels
}

func DetectRuntime() string {
	for _, rt := range []string{"docker", "podman", "nerdctl"} {
		if _, err := exec.LookPath(rt); err == nil {
			return rt
		}
	}
	return ""
}
