package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"campus-compute/internal/worker/agent"
	"campus-compute/internal/worker/sandbox"
)

func main() {
	coordinatorAddr := flag.String("coordinator", envOr("COMPUTE_COORDINATOR_ADDR", "localhost:9999"), "coordinator address")
	name := flag.String("name", envOr("WORKER_NAME", defaultWorkerName()), "worker name, unique per owner")
	ownerToken := flag.String("owner-token", os.Getenv("OWNER_TOKEN"), "owning user's id; empty runs anonymously")
	tags := flag.String("tags", os.Getenv("WORKER_TAGS"), "comma-separated capability tags")
	useDocker := flag.Bool("docker", envOrBool("USE_DOCKER", true), "use the Docker sandbox when available")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	maxFrameBytes := flag.Int64("max-frame-bytes", 16<<20, "maximum protocol frame size")
	maxArtifactBytes := flag.Int64("max-artifact-bytes", 16<<20, "maximum total result artifact bytes")
	maxStdoutBytes := flag.Int64("max-stdout-bytes", 1<<20, "maximum captured stdout/stderr bytes per job")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var tagList []string
	if *tags != "" {
		tagList = strings.Split(*tags, ",")
	}

	executor := buildExecutor(*useDocker, log)

	a := agent.New(agent.Config{
		CoordinatorAddr:  *coordinatorAddr,
		Name:             *name,
		OwnerToken:       *ownerToken,
		Tags:             tagList,
		Executor:         executor,
		Log:              log,
		HeartbeatEvery:   *heartbeat,
		MaxFrameBytes:    *maxFrameBytes,
		MaxArtifactBytes: *maxArtifactBytes,
		MaxStdoutBytes:   *maxStdoutBytes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutting down worker")
		cancel()
	}()

	const reconnectBackoff = 5 * time.Second
	for ctx.Err() == nil {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("connection to coordinator lost, retrying", "error", err, "backoff", reconnectBackoff)
			select {
			case <-ctx.Done():
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

func buildExecutor(useDocker bool, log *slog.Logger) sandbox.Executor {
	if useDocker {
		exec, err := sandbox.NewDockerExecutor()
		if err == nil {
			log.Info("docker sandbox enabled")
			return exec
		}
		log.Warn("docker sandbox unavailable, falling back to restricted mode", "error", err)
	}
	log.Info("running in restricted (non-container) sandbox mode")
	return sandbox.NewRestrictedExecutor()
}

func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "worker"
	}
	return hostname
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
