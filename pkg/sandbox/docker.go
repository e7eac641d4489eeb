package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerEngine talks to the Docker Engine API. Connection settings come from
// the environment (DOCKER_HOST and friends) with the platform default socket
// as fallback.
type DockerEngine struct {
	cli *client.Client
}

func NewDockerEngine(opts ...client.Opt) (*DockerEngine, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// DockerDialer returns a Dialer that opens a new API client per job.
func DockerDialer(opts ...client.Opt) Dialer {
	return func(context.Context) (Engine, error) {
		return NewDockerEngine(opts...)
	}
}

func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Argv,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NoNetwork,
		AttachStdout:    true,
		AttachStderr:    true,
	}
	host := &container.HostConfig{
		Resources: container.Resources{Memory: spec.MemoryBytes},
	}
	if spec.NoNetwork {
		host.NetworkMode = "none"
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *DockerEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, fmt.Errorf("wait: %s", st.Error.Message)
		}
		return st.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerEngine) Logs(ctx context.Context, id string, fn func(Stream, []byte)) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	// The stream is multiplexed; stdcopy splits frames in arrival order.
	_, err = stdcopy.StdCopy(chunkWriter{Stdout, fn}, chunkWriter{Stderr, fn}, rc)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, id string, force bool) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

func (d *DockerEngine) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   string(c.State),
			Created: time.Unix(c.Created, 0),
			Labels:  c.Labels,
		})
	}
	return infos, nil
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

type chunkWriter struct {
	stream Stream
	fn     func(Stream, []byte)
}

func (w chunkWriter) Write(p []byte) (int, error) {
	w.fn(w.stream, append([]byte(nil), p...))
	return len(p), nil
}
