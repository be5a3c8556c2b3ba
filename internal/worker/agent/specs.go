package agent

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"campus-compute/pkg/model"
)

// DetectSpecs probes this host's CPU, RAM, GPU, and Docker availability.
// It never fails: anything it can't determine falls back to a
// conservative default rather than blocking registration.
func DetectSpecs(tags []string) model.Specs {
	return model.Specs{
		CPUCores:    runtime.NumCPU(),
		RAMGB:       detectRAMGB(),
		GPUName:     detectGPUName(),
		DockerAvail: detectDockerAvailable(),
		Tags:        tags,
	}
}

func detectRAMGB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 4 // conservative default off Linux
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / (1024 * 1024)
	}
	return 4
}

func detectGPUName() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	return name
}

func detectDockerAvailable() bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return false
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err == nil
}
