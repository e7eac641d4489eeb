// Package sandbox runs untrusted code snippets to completion inside
// ephemeral, network-isolated, memory-capped containers.
//
// Each job walks a fixed lifecycle (Created, Started, Awaiting,
// LogsCollected, Removed) with Errored reachable from any step. Once a
// container has been created it is always force-removed before Run returns.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnsupportedLanguage = errors.New("sandbox: unsupported language")
	ErrCreate              = errors.New("sandbox: container create failed")
	ErrStart               = errors.New("sandbox: container start failed")
	ErrTimeout             = errors.New("sandbox: execution timed out")
	ErrBusy                = errors.New("sandbox: too many concurrent jobs")
)

const (
	// MemoryLimit is the per-container memory ceiling.
	MemoryLimit int64 = 128 * 1024 * 1024

	LabelSandbox  = "codechat.sandbox"
	LabelLanguage = "codechat.language"

	namePrefix = "codechat-sandbox-"
)

// Job is one request to run argv inside image.
type Job struct {
	Language string
	Image    string
	Argv     []string
}

type Result struct {
	Output      string
	ExitCode    int64
	ContainerID string
	Duration    time.Duration
	States      []State
	Removed     bool
}

type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

// ContainerSpec is what the runtime asks an Engine to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Argv        []string
	MemoryBytes int64
	NoNetwork   bool
	Labels      map[string]string
}

type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string
	Created time.Time
	Labels  map[string]string
}

// Engine is the container engine contract. Implementations must deliver log
// chunks to fn in the order the engine produced them.
type Engine interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string, fn func(Stream, []byte)) error
	Remove(ctx context.Context, id string, force bool) error
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a fresh engine connection. The runtime dials once per job.
type Dialer func(ctx context.Context) (Engine, error)
