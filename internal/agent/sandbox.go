package agent

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SandboxWrapper optionally re-points an execution's argv at an isolated
// environment before BaseRuntime execs it (spec §4.3
// getSandboxRequirements/preflight). The no-op wrapper is the default; the
// Docker-backed one is for plugins whose SandboxRequirements demand
// isolation beyond process-group separation (grounded on the container
// isolation nevindra-oasis's cmd/sandbox uses for untrusted code execution,
// adapted here from a subprocess jail to a real container since agent CLIs
// need a full filesystem and network stack docker/docker's go.mod already
// supplies).
type SandboxWrapper interface {
	// Wrap returns the argv that should actually be exec'd.
	Wrap(argv []string) []string
}

// noopSandbox runs argv unmodified.
type noopSandbox struct{}

func (noopSandbox) Wrap(argv []string) []string { return argv }

// NoSandbox is the default SandboxWrapper: no isolation beyond the
// orchestrator's own process-group separation.
var NoSandbox SandboxWrapper = noopSandbox{}

// DockerSandbox runs an agent execution's command inside a short-lived
// Docker container instead of exec'ing it on the host.
type DockerSandbox struct {
	cli       *client.Client
	image     string
	binds     []string // host:container bind mounts, e.g. auth/binary paths
	network   string
}

// NewDockerSandbox connects to the local Docker daemon using the standard
// environment-derived client options (DOCKER_HOST, DOCKER_CERT_PATH, etc).
func NewDockerSandbox(image string, binds []string, requireNetwork bool) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	network := "none"
	if requireNetwork {
		network = "bridge"
	}
	return &DockerSandbox{cli: cli, image: image, binds: binds, network: network}, nil
}

// Wrap is not used directly by DockerSandbox — RunContained below replaces
// BaseRuntime's normal starter for sandboxed executions. Wrap returns argv
// unchanged to satisfy the SandboxWrapper interface for callers that only
// want the declared requirements, not containerized execution.
func (d *DockerSandbox) Wrap(argv []string) []string { return argv }

// RunContained creates, starts, and removes a container running argv,
// streaming demuxed stdout/stderr, and returns its exit code. It is the
// ProcessStarter-shaped entry point a Plugin wires in place of
// ExecProcessStarter when GetSandboxRequirements() demands isolation.
func (d *DockerSandbox) RunContained(ctx context.Context, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	mounts := make([]string, len(d.binds))
	copy(mounts, d.binds)

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   argv,
		Env:   env,
		Tty:   false,
	}, &container.HostConfig{
		Binds:       mounts,
		NetworkMode: container.NetworkMode(d.network),
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("creating sandbox container: %w", err)
	}
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("starting sandbox container: %w", err)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return -1, fmt.Errorf("attaching sandbox logs: %w", err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && err != io.EOF {
		return -1, fmt.Errorf("streaming sandbox logs: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("waiting for sandbox container: %w", err)
		}
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return -1, nil
}

// copyToContainer stages a single in-memory file into a container path via
// a minimal tar stream, used to deliver prompt text when a plugin needs a
// file rather than stdin inside the sandbox.
func copyToContainer(ctx context.Context, cli *client.Client, containerID, destDir, name string, content []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cli.CopyToContainer(ctx, containerID, destDir, &buf, container.CopyToContainerOptions{})
}
