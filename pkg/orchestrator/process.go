package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running worker with piped stdin and stdout.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher starts the worker as a child process. The child is not tied
// to the Launch context; it lives until killed or until it exits.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stderr  io.Writer
}

func (l ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Command == "" {
		return nil, fmt.Errorf("orchestrator: worker command is empty")
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: starting %s: %w", l.Command, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
