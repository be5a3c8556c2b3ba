// Package scheduler turns the durable pending queue and the live worker
// registry into assignments: strict priority, then FIFO within a
// priority, first idle worker whose specs satisfy the job's demands.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campus-compute/internal/coordinator/registry"
	"campus-compute/internal/store"
	"campus-compute/pkg/model"
)

// Scheduler mediates every state change to a job or a worker's durable
// row, keeping the live registry and the persisted store consistent.
type Scheduler struct {
	store      store.Store
	reg        *registry.Registry
	log        *slog.Logger
	stallGrace time.Duration
}

// New builds a Scheduler. stallGrace is how long a worker can go without
// a heartbeat before its session is dropped and its running job reaped.
func New(s store.Store, reg *registry.Registry, log *slog.Logger, stallGrace time.Duration) *Scheduler {
	return &Scheduler{store: s, reg: reg, log: log, stallGrace: stallGrace}
}

// Submit prices, persists, and enqueues a newly submitted job.
func (s *Scheduler) Submit(ctx context.Context, job *model.Job) error {
	job.CreditCost = model.Cost(job.Demands)
	if job.CreditReward == 0 {
		job.CreditReward = job.CreditCost
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return err
	}
	pendingQueueDepth.Inc()
	_ = s.store.LogActivity(ctx, "job_submitted", job.SubmitterID, job.Title)
	return nil
}

// RequestJob matches the calling worker against the pending queue and, on
// a hit, marks it busy in the registry so a second request can't win the
// same worker before its next heartbeat arrives.
func (s *Scheduler) RequestJob(ctx context.Context, workerID string) (*model.Job, error) {
	sess, ok := s.reg.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("scheduler: worker %s not attached", workerID)
	}
	if sess.Status != model.WorkerIdle {
		return nil, nil
	}

	job, err := s.store.AssignNextJob(ctx, workerID, sess.Specs)
	if err != nil {
		return nil, fmt.Errorf("scheduler: assign next job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	s.reg.MarkBusy(workerID)
	jobsAssignedTotal.Inc()
	pendingQueueDepth.Dec()
	s.log.Info("job assigned", "job_id", job.ID, "worker_id", workerID, "priority", job.Priority)
	_ = s.store.LogActivity(ctx, "job_assigned", workerID, job.ID)
	return job, nil
}

// Settle records a worker's reported outcome for jobID and applies the
// matching credit transaction.
func (s *Scheduler) Settle(ctx context.Context, jobID string, outcome model.JobStatus, result model.Result) error {
	if err := s.store.SettleJob(ctx, jobID, outcome, result); err != nil {
		return err
	}
	jobsSettledTotal.WithLabelValues(string(outcome)).Inc()
	_ = s.store.LogActivity(ctx, "job_settled", "", fmt.Sprintf("%s -> %s", jobID, outcome))
	return nil
}

// Cancel withdraws a still-pending job and refunds its submitter.
func (s *Scheduler) Cancel(ctx context.Context, jobID, submitterID string) error {
	if err := s.store.CancelPending(ctx, jobID, submitterID); err != nil {
		return err
	}
	pendingQueueDepth.Dec()
	jobsSettledTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// PauseWorker holds a connected worker out of matching without dropping its
// session, and records the pause on its durable row so the roster reflects
// it across reconnects.
func (s *Scheduler) PauseWorker(ctx context.Context, workerID string) error {
	if !s.reg.Pause(workerID) {
		return fmt.Errorf("scheduler: worker %s not attached", workerID)
	}
	if err := s.store.SetWorkerStatus(ctx, workerID, model.WorkerPaused, time.Now()); err != nil {
		return fmt.Errorf("scheduler: persist pause: %w", err)
	}
	_ = s.store.LogActivity(ctx, "worker_paused", "", workerID)
	return nil
}

// ResumeWorker releases a previously paused worker back into the idle pool.
func (s *Scheduler) ResumeWorker(ctx context.Context, workerID string) error {
	if !s.reg.Resume(workerID) {
		return fmt.Errorf("scheduler: worker %s not attached or not paused", workerID)
	}
	if err := s.store.SetWorkerStatus(ctx, workerID, model.WorkerIdle, time.Now()); err != nil {
		return fmt.Errorf("scheduler: persist resume: %w", err)
	}
	_ = s.store.LogActivity(ctx, "worker_resumed", "", workerID)
	return nil
}

// Run drives the periodic sweep that detaches stalled worker sessions and
// reaps jobs left running under them. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.stallGrace / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler reaper started", "interval", interval, "stall_grace", s.stallGrace)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler reaper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-s.stallGrace)

	for _, sess := range s.reg.Snapshot() {
		if sess.LastHeartbeatAt.Before(cutoff) {
			s.log.Warn("worker stalled, detaching", "worker_id", sess.WorkerID)
			s.reg.Detach(sess.WorkerID)
			// Persist the session's last real heartbeat, not now: ReapStalledJobs
			// keys off how stale a worker's row is, and overwriting it here would
			// make a job's assigned worker look freshly seen right when it's lost.
			if err := s.store.SetWorkerStatus(ctx, sess.WorkerID, model.WorkerOffline, sess.LastHeartbeatAt); err != nil {
				s.log.Error("failed to mark stalled worker offline", "worker_id", sess.WorkerID, "error", err)
			}
		}
	}

	n, err := s.store.ReapStalledJobs(ctx, now, s.stallGrace)
	if err != nil {
		s.log.Error("reap stalled jobs failed", "error", err)
	} else if n > 0 {
		jobsReapedTotal.Add(float64(n))
		s.log.Info("reaped stalled jobs", "count", n)
	}

	// Independent of worker liveness: a job wedged in an infinite loop on a
	// worker that keeps heartbeating fine would never trip ReapStalledJobs.
	m, err := s.store.ReapTimedOutJobs(ctx, now)
	if err != nil {
		s.log.Error("reap timed out jobs failed", "error", err)
		return
	}
	if m > 0 {
		jobsReapedTotal.Add(float64(m))
		s.log.Info("reaped timed out jobs", "count", m)
	}
}
