package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"campus-compute/pkg/model"
)

// RestrictedExecutor runs job code as a plain subprocess when Docker isn't
// available on this worker. It has none of the container sandbox's
// isolation — no network or process ceiling — so every result it produces
// is flagged Degraded. The flag stays on the worker; the job_result
// message sent to the coordinator does not include it.
type RestrictedExecutor struct {
	// PythonPath is the interpreter to invoke; defaults to "python3".
	PythonPath string
}

// NewRestrictedExecutor returns a RestrictedExecutor using python3 from
// PATH.
func NewRestrictedExecutor() *RestrictedExecutor {
	return &RestrictedExecutor{PythonPath: "python3"}
}

func (e *RestrictedExecutor) Execute(ctx context.Context, req Request) (model.Result, error) {
	scratch, err := os.MkdirTemp("", "compute-job-")
	if err != nil {
		return model.Result{}, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	outputDir := filepath.Join(scratch, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return model.Result{}, fmt.Errorf("sandbox: create output dir: %w", err)
	}

	if req.Requirements != "" {
		if err := e.installRequirements(ctx, req.Requirements); err != nil {
			return model.Result{Degraded: true, Reason: model.ReasonDependency}, fmt.Errorf("sandbox: dependency install failed: %w", err)
		}
	}

	codePath := filepath.Join(scratch, "job.py")
	wrapped := wrapUserCode(outputDir, req.Code)
	if err := os.WriteFile(codePath, wrapped, 0o644); err != nil {
		return model.Result{}, fmt.Errorf("sandbox: write job code: %w", err)
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	python := e.PythonPath
	if python == "" {
		python = "python3"
	}

	cmd := exec.CommandContext(runCtx, python, codePath)
	cmd.Dir = scratch
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	files, err := collectOutputFiles(outputDir)
	if err != nil {
		return model.Result{}, err
	}
	extra, err := collectOutputFiles(scratch)
	if err == nil {
		for _, f := range extra {
			if f.Name != "job.py" {
				files = append(files, f)
			}
		}
	}

	result := model.Result{Stdout: stdout.String(), Stderr: stderr.String(), Files: files, Degraded: true}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.Reason = model.ReasonExecutionErr
			return result, fmt.Errorf("sandbox: job timed out after %s", timeout)
		}
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			result.Reason = model.ReasonOOM
			return result, fmt.Errorf("sandbox: job killed by the OOM killer")
		}
		result.Reason = model.ReasonExecutionErr
		return result, fmt.Errorf("sandbox: job exited with error: %w", runErr)
	}
	return result, nil
}

// installRequirements installs each requirement line as its own pip
// invocation and returns the first one that fails, so a dependency
// problem can be reported as such instead of collapsing into a generic
// execution error once the job code actually runs.
func (e *RestrictedExecutor) installRequirements(ctx context.Context, requirements string) error {
	python := e.PythonPath
	if python == "" {
		python = "python3"
	}
	for _, line := range strings.Split(requirements, "\n") {
		pkg := strings.TrimSpace(line)
		if pkg == "" {
			continue
		}
		installCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := exec.CommandContext(installCtx, python, "-m", "pip", "install", "-q", pkg).Run()
		cancel()
		if err != nil {
			return fmt.Errorf("install %s: %w", pkg, err)
		}
	}
	return nil
}

// wrapUserCode prepends a small helper preamble so jobs can call
// save_output/save_binary without knowing the worker's scratch directory
// layout, mirroring what the Docker sandbox's OUTPUT_DIR convention gives
// containerized jobs for free.
func wrapUserCode(outputDir string, code []byte) []byte {
	preamble := fmt.Sprintf(`import os

OUTPUT_DIR = %q
os.makedirs(OUTPUT_DIR, exist_ok=True)


def save_output(filename, content):
    path = os.path.join(OUTPUT_DIR, filename)
    with open(path, "w") as f:
        f.write(content)
    return path


def save_binary(filename, content):
    path = os.path.join(OUTPUT_DIR, filename)
    with open(path, "wb") as f:
        f.write(content)
    return path


# ---- job code below ----
`, outputDir)
	return append([]byte(preamble), code...)
}
