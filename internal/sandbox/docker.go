package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/openbio/exphub/internal/core"
)

// ErrUnavailable marks infrastructure failures (daemon unreachable,
// container creation refused) as opposed to a payload that ran and failed.
var ErrUnavailable = errors.New("sandbox backend unavailable")

const (
	scriptName  = "script.py"
	outputDir   = "output"
	logFileName = "container_logs.txt"
)

// containerAPI is the slice of the docker client the sandbox uses.
type containerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

type Config struct {
	Image string
	// DataDir is where experiment workspaces live as seen by this process.
	DataDir string
	// HostDataDir is the same directory as seen by the docker daemon. Only
	// differs from DataDir when exphub itself runs in a container.
	HostDataDir string
	MemoryMB    int64
	CPUs        float64
}

// Handle references one sandbox run.
type Handle struct {
	experimentID string
	containerID  string
	outputPath   string
}

func (h *Handle) ExperimentID() string { return h.experimentID }

// Docker runs experiment scripts in resource-capped containers. The daemon
// is the source of truth for liveness; nothing beyond the handle is cached.
type Docker struct {
	cli containerAPI
	cfg Config
}

func New(cfg Config) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox image is required")
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.HostDataDir == "" {
		cfg.HostDataDir = cfg.DataDir
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Docker{cli: cli, cfg: cfg}, nil
}

// Ping checks daemon reachability, for health reporting.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Submit materializes the script into the experiment workspace and starts a
// container with fixed resource caps. A leftover container from a previous
// process (crash or shutdown with the run in flight) is force-removed first
// so recovered experiments can be resubmitted cleanly. Fails fast when the
// daemon is unreachable.
func (d *Docker) Submit(ctx context.Context, id, script string) (core.RunHandle, error) {
	expDir := filepath.Join(d.cfg.DataDir, "experiments", id)
	if err := os.MkdirAll(filepath.Join(expDir, outputDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create experiment workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(expDir, scriptName), []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write experiment script: %w", err)
	}

	if _, err := d.cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	name := "experiment-" + id
	if info, err := d.cli.ContainerInspect(ctx, name); err == nil {
		log.Printf("[sandbox] removing stale container %s from a previous run", name)
		err := d.cli.ContainerRemove(ctx, info.ID, types.ContainerRemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: failed to remove stale container: %v", ErrUnavailable, err)
		}
	}

	hostExperiments := filepath.Join(d.cfg.HostDataDir, "experiments")
	mountedDir := "/app/experiments/" + id

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: d.cfg.Image,
			Cmd:   strslice.StrSlice{"python", mountedDir + "/" + scriptName},
			Env: []string{
				"EXPERIMENT_ID=" + id,
				"OUTPUT_DIR=" + mountedDir + "/" + outputDir,
			},
		},
		&container.HostConfig{
			Binds:       []string{hostExperiments + ":/app/experiments"},
			NetworkMode: "host",
			Resources: container.Resources{
				Memory:    d.cfg.MemoryMB * 1024 * 1024,
				CPUPeriod: 100000,
				CPUQuota:  int64(d.cfg.CPUs * 100000),
			},
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", ErrUnavailable, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.removeContainer(resp.ID)
		return nil, fmt.Errorf("%w: failed to start container: %v", ErrUnavailable, err)
	}

	log.Printf("[sandbox] started container %s for experiment %s", shortID(resp.ID), id)
	return &Handle{
		experimentID: id,
		containerID:  resp.ID,
		outputPath:   filepath.Join(expDir, outputDir),
	}, nil
}

// Wait blocks until the container exits, then captures its logs and removes
// it. Log capture happens before removal, never after.
func (d *Docker) Wait(ctx context.Context, rh core.RunHandle) (int, string, error) {
	h, ok := rh.(*Handle)
	if !ok {
		return -1, "", fmt.Errorf("unexpected handle type %T", rh)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		return -1, "", err
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs := d.captureLogs(h)
	d.removeContainer(h.containerID)

	return exitCode, logs, nil
}

// Stop requests graceful termination with the given grace period, after
// which the daemon escalates to SIGKILL, then captures whatever the run
// logged and removes the container. Already-gone containers are fine.
func (d *Docker) Stop(ctx context.Context, rh core.RunHandle, grace time.Duration) error {
	h, ok := rh.(*Handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", rh)
	}

	seconds := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container for %s: %w", h.experimentID, err)
	}

	d.captureLogs(h)
	d.removeContainer(h.containerID)
	return nil
}

func (d *Docker) captureLogs(h *Handle) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := d.cli.ContainerLogs(ctx, h.containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		log.Printf("[sandbox] failed to fetch logs for %s: %v", h.experimentID, err)
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		log.Printf("[sandbox] failed to demux logs for %s: %v", h.experimentID, err)
	}
	logs := buf.String()

	logPath := filepath.Join(h.outputPath, logFileName)
	if err := os.WriteFile(logPath, []byte(logs), 0o644); err != nil {
		log.Printf("[sandbox] failed to save logs for %s: %v", h.experimentID, err)
	}

	return logs
}

func (d *Docker) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		log.Printf("[sandbox] failed to remove container %s: %v", shortID(containerID), err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
