package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"campus-compute/pkg/model"
)

const (
	sandboxImage  = "python:3.11-slim"
	sandboxMemory = 1 << 30 // 1 GiB
	cpuPeriod     = 100000
	cpuQuota      = 100000 // one full core
	pidsLimit     = int64(200)
)

// DockerExecutor runs job code in a disposable, network-disabled container
// with hard CPU, memory, and process-count ceilings.
type DockerExecutor struct {
	cli *client.Client
}

// NewDockerExecutor connects to the local Docker daemon using whatever
// DOCKER_HOST / DOCKER_* environment is set.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}
	return &DockerExecutor{cli: cli}, nil
}

// demandResources translates a job's declared demands into a container
// resource ceiling, falling back to the sandbox defaults for anything the
// job didn't specify. The job is priced off these same demands, so what
// the container actually enforces has to match what was billed.
func demandResources(d model.Demands) container.Resources {
	limit := pidsLimit
	res := container.Resources{
		Memory:    sandboxMemory,
		CPUPeriod: cpuPeriod,
		CPUQuota:  cpuQuota,
		PidsLimit: &limit,
	}
	if d.RAMGB > 0 {
		res.Memory = int64(d.RAMGB * (1 << 30))
	}
	if d.CPUCores > 0 {
		res.CPUQuota = int64(d.CPUCores) * cpuPeriod
	}
	if d.GPURequired {
		res.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}
	return res
}

// Execute writes req.Code and an optional requirements.txt into a scratch
// directory bind-mounted at /app, installs dependencies and runs the job
// in separate capped containers, and collects whatever the job wrote
// under /output. Dependency install and execution are kept as distinct
// steps so a failure in either one reports its own failure reason instead
// of collapsing both into a generic execution error.
func (e *DockerExecutor) Execute(ctx context.Context, req Request) (model.Result, error) {
	scratch, err := os.MkdirTemp("", "compute-job-")
	if err != nil {
		return model.Result{}, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	outputDir := filepath.Join(scratch, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return model.Result{}, fmt.Errorf("sandbox: create output dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(scratch, "job.py"), req.Code, 0o644); err != nil {
		return model.Result{}, fmt.Errorf("sandbox: write job code: %w", err)
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := demandResources(req.Demands)

	if req.Requirements != "" {
		if err := os.WriteFile(filepath.Join(scratch, "requirements.txt"), []byte(req.Requirements), 0o644); err != nil {
			return model.Result{}, fmt.Errorf("sandbox: write requirements: %w", err)
		}
		exitCode, _, stdout, stderr, err := e.runContainer(runCtx, []string{"sh", "-c", "pip install -q -r /app/requirements.txt"}, scratch, outputDir, res)
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return model.Result{Stdout: stdout, Stderr: stderr, Reason: model.ReasonExecutionErr}, fmt.Errorf("sandbox: job timed out after %s", timeout)
			}
			return model.Result{Stdout: stdout, Stderr: stderr, Reason: model.ReasonDependency}, fmt.Errorf("sandbox: dependency install failed: %w", err)
		}
		if exitCode != 0 {
			return model.Result{Stdout: stdout, Stderr: stderr, Reason: model.ReasonDependency}, fmt.Errorf("sandbox: dependency install exited with status %d", exitCode)
		}
	}

	exitCode, oomKilled, stdout, stderr, err := e.runContainer(runCtx, []string{"sh", "-c", "python /app/job.py"}, scratch, outputDir, res)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return model.Result{Stdout: stdout, Stderr: stderr, Reason: model.ReasonExecutionErr}, fmt.Errorf("sandbox: job timed out after %s", timeout)
		}
		return model.Result{Stdout: stdout, Stderr: stderr}, err
	}

	files, err := collectOutputFiles(outputDir)
	if err != nil {
		return model.Result{}, err
	}

	result := model.Result{Stdout: stdout, Stderr: stderr, Files: files}
	switch {
	case oomKilled:
		result.Reason = model.ReasonOOM
		return result, fmt.Errorf("sandbox: job killed by the OOM killer")
	case exitCode != 0:
		result.Reason = model.ReasonExecutionErr
		return result, fmt.Errorf("sandbox: job exited with status %d", exitCode)
	}
	return result, nil
}

// runContainer creates, starts, and waits for one container running cmd
// under the given resource ceiling, returning its exit code, whether the
// OOM killer fired, and its collected stdout/stderr. Called once for the
// dependency-install step and once for the job's actual execution, so
// each step's outcome can be attributed its own failure reason.
func (e *DockerExecutor) runContainer(ctx context.Context, cmd []string, scratch, outputDir string, res container.Resources) (exitCode int64, oomKilled bool, stdout, stderr string, err error) {
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:      sandboxImage,
		Cmd:        cmd,
		WorkingDir: "/app",
		Env:        []string{"OUTPUT_DIR=/output", "PYTHONUNBUFFERED=1"},
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{
			scratch + ":/app",
			outputDir + ":/output",
		},
		NetworkMode: "none",
		Resources:   res,
	}, nil, nil, "")
	if err != nil {
		return 0, false, "", "", fmt.Errorf("sandbox: create container: %w", err)
	}
	containerID := resp.ID
	defer e.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return 0, false, "", "", fmt.Errorf("sandbox: start container: %w", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case waitErr := <-errCh:
		if ctx.Err() != nil {
			_ = e.cli.ContainerKill(context.Background(), containerID, "KILL")
			stdout, stderr, _ = e.collectLogs(containerID)
			return 0, false, stdout, stderr, ctx.Err()
		}
		if waitErr != nil {
			return 0, false, "", "", fmt.Errorf("sandbox: wait container: %w", waitErr)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	if inspect, inspectErr := e.cli.ContainerInspect(context.Background(), containerID); inspectErr == nil {
		oomKilled = inspect.State.OOMKilled
	}

	stdout, stderr, err = e.collectLogs(containerID)
	if err != nil {
		return exitCode, oomKilled, "", "", err
	}
	return exitCode, oomKilled, stdout, stderr, nil
}

func (e *DockerExecutor) collectLogs(containerID string) (stdout, stderr string, err error) {
	reader, err := e.cli.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("sandbox: fetch logs: %w", err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("sandbox: demux logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), nil
}
