// Package agent is the worker side of the coordinator protocol: connect,
// register, heartbeat, and loop on request/execute/report against
// whatever sandbox executor this host supports.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"campus-compute/internal/coordinator/protocol"
	"campus-compute/internal/worker/sandbox"
	"campus-compute/pkg/model"
)

// pollInterval is how long the agent waits before asking for another job
// after being told there's nothing to run.
const pollInterval = 3 * time.Second

// Config carries an Agent's construction parameters.
type Config struct {
	CoordinatorAddr  string
	Name             string
	OwnerToken       string
	Tags             []string
	Executor         sandbox.Executor
	Log              *slog.Logger
	HeartbeatEvery   time.Duration
	MaxFrameBytes    int64
	MaxArtifactBytes int64
	MaxStdoutBytes   int64
}

// Agent owns one connection to the coordinator and the goroutine pair —
// heartbeat ticker and the request/execute/report loop — that drives it.
type Agent struct {
	cfg      Config
	log      *slog.Logger
	conn     net.Conn
	writeMu  sync.Mutex
	workerID string
	// busy reflects whether a job is currently executing in runJob, so
	// heartbeatLoop reports the agent's real state instead of a hardcoded
	// idle — the coordinator's registry no longer trusts a heartbeat to
	// downgrade a busy session, but an honest status still matters for
	// monitoring and for the moment a session first attaches.
	busy atomic.Bool
}

// New builds an Agent. It does not dial; Run opens the connection.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, log: cfg.Log}
}

// Run dials the coordinator, registers, and blocks running jobs until ctx
// is cancelled or the connection fails.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", a.cfg.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("agent: dial coordinator: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	specs := DetectSpecs(a.cfg.Tags)
	if err := a.send(protocol.RegisterMsg{
		Type:       protocol.MsgRegister,
		Name:       a.cfg.Name,
		OwnerToken: a.cfg.OwnerToken,
		Specs:      specs,
	}); err != nil {
		return fmt.Errorf("agent: send register: %w", err)
	}

	body, err := protocol.ReadFrame(conn, a.cfg.MaxFrameBytes)
	if err != nil {
		return fmt.Errorf("agent: read registered ack: %w", err)
	}
	var ack protocol.RegisteredMsg
	if err := protocol.Decode(body, protocol.MsgRegistered, &ack); err != nil {
		return fmt.Errorf("agent: malformed registered ack: %w", err)
	}
	a.workerID = ack.WorkerID
	a.log = a.log.With("worker_id", a.workerID, "worker_name", a.cfg.Name)
	a.log.Info("registered with coordinator", "specs", specs)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go a.heartbeatLoop(heartbeatCtx)

	return a.workLoop(ctx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := model.WorkerIdle
			if a.busy.Load() {
				status = model.WorkerBusy
			}
			if err := a.send(protocol.HeartbeatMsg{
				Type:     protocol.MsgHeartbeat,
				WorkerID: a.workerID,
				Status:   status,
			}); err != nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) workLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			a.send(protocol.DisconnectMsg{Type: protocol.MsgDisconnect})
			return ctx.Err()
		}

		if err := a.send(protocol.RequestJobMsg{Type: protocol.MsgRequestJob, WorkerID: a.workerID}); err != nil {
			return fmt.Errorf("agent: send request_job: %w", err)
		}

		body, err := protocol.ReadFrame(a.conn, a.cfg.MaxFrameBytes)
		if err != nil {
			return fmt.Errorf("agent: read job response: %w", err)
		}

		msgType, err := protocol.PeekType(body)
		if err != nil {
			return fmt.Errorf("agent: malformed job response: %w", err)
		}

		switch msgType {
		case protocol.MsgNoJob:
			select {
			case <-ctx.Done():
				continue
			case <-time.After(pollInterval):
			}

		case protocol.MsgJob:
			var job protocol.JobMsg
			if err := protocol.Decode(body, protocol.MsgJob, &job); err != nil {
				a.log.Error("malformed job message", "error", err)
				continue
			}
			a.busy.Store(true)
			a.runJob(ctx, job)
			a.busy.Store(false)

		default:
			a.log.Warn("unexpected message while idle", "type", msgType)
		}
	}
}

func (a *Agent) runJob(ctx context.Context, job protocol.JobMsg) {
	a.log.Info("job received", "job_id", job.JobID)

	jobCtx := ctx
	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := a.cfg.Executor.Execute(jobCtx, sandbox.Request{
		JobID:          job.JobID,
		Code:           job.Code,
		Requirements:   job.Requirements,
		TimeoutSeconds: job.TimeoutSeconds,
		Demands:        job.Demands,
	})

	outcome := model.JobCompleted
	if err != nil {
		a.log.Warn("job execution failed", "job_id", job.JobID, "error", err)
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			outcome = model.JobTimedOut
		} else {
			outcome = model.JobFailed
		}
	}
	result = truncateResult(result, a.cfg.MaxArtifactBytes, a.cfg.MaxStdoutBytes)

	files := make([]protocol.WireFile, 0, len(result.Files))
	for _, f := range result.Files {
		files = append(files, protocol.WireFile{Name: f.Name, Bytes: f.Bytes})
	}

	if err := a.send(protocol.JobResultMsg{
		Type:    protocol.MsgJobResult,
		JobID:   job.JobID,
		Outcome: outcome,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Files:   files,
		Reason:  result.Reason,
	}); err != nil {
		a.log.Error("send job_result failed", "job_id", job.JobID, "error", err)
		return
	}

	// Drain the job_received ack so it doesn't get mistaken for the next
	// request_job's response.
	if _, err := protocol.ReadFrame(a.conn, a.cfg.MaxFrameBytes); err != nil {
		a.log.Warn("did not receive job_received ack", "job_id", job.JobID, "error", err)
	}
}

// truncateResult enforces the worker's artifact and stdout/stderr size
// caps. Anything dropped gets a notice appended to stderr so the
// submitter knows the result is clipped rather than just short.
func truncateResult(result model.Result, maxArtifactBytes, maxStdoutBytes int64) model.Result {
	var notices []string

	if maxArtifactBytes > 0 {
		kept := make([]model.ResultFile, 0, len(result.Files))
		var total int64
		dropped := 0
		for i, f := range result.Files {
			total += int64(len(f.Bytes))
			if total > maxArtifactBytes {
				dropped = len(result.Files) - i
				break
			}
			kept = append(kept, f)
		}
		if dropped > 0 {
			notices = append(notices, fmt.Sprintf("[truncated] %d artifact file(s) dropped over the %d byte cap", dropped, maxArtifactBytes))
		}
		result.Files = kept
	}

	if maxStdoutBytes > 0 {
		if int64(len(result.Stdout)) > maxStdoutBytes {
			result.Stdout = result.Stdout[:maxStdoutBytes]
			notices = append(notices, "[truncated] stdout exceeded the output cap")
		}
		if int64(len(result.Stderr)) > maxStdoutBytes {
			result.Stderr = result.Stderr[:maxStdoutBytes]
			notices = append(notices, "[truncated] stderr exceeded the output cap")
		}
	}

	for _, n := range notices {
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += n
	}
	return result
}

func (a *Agent) send(v any) error {
	body, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.WriteFrame(a.conn, body)
}
