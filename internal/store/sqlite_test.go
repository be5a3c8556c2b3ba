package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"campus-compute/pkg/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *SQLiteStore, username string, grant int64) *model.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, "verifier-"+username, model.RoleSubmitter, grant)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "alice", 100)
	if u.Balance != 100 {
		t.Errorf("Balance = %d, want 100", u.Balance)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want alice", got.Username)
	}

	byName, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if byName.ID != u.ID {
		t.Errorf("GetUserByUsername id = %q, want %q", byName.ID, u.ID)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "bob", "v1", model.RoleSubmitter, 0); err != nil {
		t.Fatalf("first CreateUser: %v", err)
	}
	_, err := s.CreateUser(ctx, "bob", "v2", model.RoleSubmitter, 0)
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("err = %v, want ErrDuplicateUsername", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdminAdjustBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "carol", 50)

	if err := s.AdminAdjust(ctx, u.ID, 25, "bonus"); err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	bal, err := s.GetBalance(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 75 {
		t.Errorf("balance = %d, want 75", bal)
	}
}

func TestAdminAdjustInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "dave", 10)

	err := s.AdminAdjust(ctx, u.ID, -50, "penalty")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("err = %v, want ErrInsufficientCredits", err)
	}

	bal, _ := s.GetBalance(ctx, u.ID)
	if bal != 10 {
		t.Errorf("balance = %d, want unchanged 10", bal)
	}
}

func TestRegisterWorkerReadoptsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, s, "erin", 0)

	specs1 := model.Specs{CPUCores: 2, RAMGB: 4}
	w1, err := s.RegisterWorker(ctx, owner.ID, "my-laptop", specs1)
	if err != nil {
		t.Fatalf("RegisterWorker first: %v", err)
	}

	specs2 := model.Specs{CPUCores: 4, RAMGB: 8, GPUName: "rtx"}
	w2, err := s.RegisterWorker(ctx, owner.ID, "my-laptop", specs2)
	if err != nil {
		t.Fatalf("RegisterWorker second: %v", err)
	}

	if w2.ID != w1.ID {
		t.Errorf("reconnect got new id %q, want reused %q", w2.ID, w1.ID)
	}
	if w2.LatestSpecs.CPUCores != 4 {
		t.Errorf("CPUCores = %d, want 4 (refreshed)", w2.LatestSpecs.CPUCores)
	}
}

func TestRegisterWorkerAnonymousAlwaysNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w1, err := s.RegisterWorker(ctx, "", "anon", model.Specs{CPUCores: 1, RAMGB: 1})
	if err != nil {
		t.Fatalf("RegisterWorker first: %v", err)
	}
	w2, err := s.RegisterWorker(ctx, "", "anon", model.Specs{CPUCores: 1, RAMGB: 1})
	if err != nil {
		t.Fatalf("RegisterWorker second: %v", err)
	}
	if w1.ID == w2.ID {
		t.Error("anonymous workers should not share a row")
	}
}

func TestEnqueueJobInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "frank", 1)

	job := &model.Job{
		ID:          "job-1",
		Title:       "too expensive",
		SubmitterID: u.ID,
		Demands:     model.Demands{CPUCores: 8, RAMGB: 64, TimeoutSeconds: 60},
	}
	job.CreditCost = model.Cost(job.Demands)

	err := s.EnqueueJob(ctx, job)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestEnqueueAndAssignNextJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "grace", 1000)
	worker, err := s.RegisterWorker(ctx, "", "worker-a", model.Specs{CPUCores: 4, RAMGB: 8, DockerAvail: true})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{
		ID:          "job-assign-1",
		Title:       "fits",
		SubmitterID: submitter.ID,
		Demands:     model.Demands{CPUCores: 2, RAMGB: 4, TimeoutSeconds: 60},
		Priority:    5,
	}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs)
	if err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("AssignNextJob returned nil, want a matching job")
	}
	if got.ID != job.ID {
		t.Errorf("assigned job = %q, want %q", got.ID, job.ID)
	}
	if got.Status != model.JobRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	// A second request should find nothing left.
	again, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs)
	if err != nil {
		t.Fatalf("AssignNextJob (empty): %v", err)
	}
	if again != nil {
		t.Errorf("expected nil on empty queue, got job %q", again.ID)
	}
}

func TestAssignNextJobSkipsUnsatisfiedDemands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "henry", 1000)

	job := &model.Job{
		ID:          "job-gpu",
		Title:       "needs gpu",
		SubmitterID: submitter.ID,
		Demands:     model.Demands{CPUCores: 1, RAMGB: 1, GPURequired: true, TimeoutSeconds: 60},
	}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	noGPU := model.Specs{CPUCores: 8, RAMGB: 32}
	got, err := s.AssignNextJob(ctx, "worker-no-gpu", noGPU)
	if err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected no match for a GPU job against a non-GPU worker, got %q", got.ID)
	}
}

func TestAssignNextJobPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "iris", 10000)

	low := &model.Job{ID: "job-low", Title: "low", SubmitterID: submitter.ID, Priority: 1,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	low.CreditCost = model.Cost(low.Demands)
	high := &model.Job{ID: "job-high", Title: "high", SubmitterID: submitter.ID, Priority: 9,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	high.CreditCost = model.Cost(high.Demands)

	if err := s.EnqueueJob(ctx, low); err != nil {
		t.Fatalf("EnqueueJob low: %v", err)
	}
	if err := s.EnqueueJob(ctx, high); err != nil {
		t.Fatalf("EnqueueJob high: %v", err)
	}

	specs := model.Specs{CPUCores: 4, RAMGB: 8}
	got, err := s.AssignNextJob(ctx, "w1", specs)
	if err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}
	if got == nil || got.ID != "job-high" {
		t.Errorf("assigned %v, want job-high to win on priority", got)
	}
}

func TestSettleJobCompletedCreditsWorkerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "jane", 1000)
	owner := mustCreateUser(t, s, "kyle", 0)
	worker, err := s.RegisterWorker(ctx, owner.ID, "kyle-worker", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-settle-1", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	job.CreditReward = job.CreditCost
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}

	if err := s.SettleJob(ctx, job.ID, model.JobCompleted, model.Result{Stdout: "ok"}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}

	gotJob, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != model.JobCompleted {
		t.Errorf("Status = %q, want completed", gotJob.Status)
	}

	ownerBal, err := s.GetBalance(ctx, owner.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if ownerBal != job.CreditReward {
		t.Errorf("owner balance = %d, want %d", ownerBal, job.CreditReward)
	}
}

func TestSettleJobTimedOutRefundsHalf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "liam", 1000)
	worker, err := s.RegisterWorker(ctx, "", "w", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-timeout", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	balAfterDebit, _ := s.GetBalance(ctx, submitter.ID)

	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}
	if err := s.SettleJob(ctx, job.ID, model.JobTimedOut, model.Result{}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}

	balAfterSettle, _ := s.GetBalance(ctx, submitter.ID)
	wantRefund := job.CreditCost / 2
	if balAfterSettle != balAfterDebit+wantRefund {
		t.Errorf("balance after timeout = %d, want %d", balAfterSettle, balAfterDebit+wantRefund)
	}
}

func TestSettleJobNotRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "mia", 1000)

	job := &model.Job{ID: "job-pending", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	err := s.SettleJob(ctx, job.ID, model.JobCompleted, model.Result{})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestCancelPendingRefundsAndRemovesFromQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "nina", 100)

	job := &model.Job{ID: "job-cancel", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.CancelPending(ctx, job.ID, submitter.ID); err != nil {
		t.Fatalf("CancelPending: %v", err)
	}

	bal, _ := s.GetBalance(ctx, submitter.ID)
	if bal != 100 {
		t.Errorf("balance = %d, want fully refunded 100", bal)
	}

	noMatch, err := s.AssignNextJob(ctx, "any-worker", model.Specs{CPUCores: 8, RAMGB: 32})
	if err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}
	if noMatch != nil {
		t.Error("cancelled job should not still be assignable")
	}
}

func TestCancelPendingNotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "oscar", 100)
	other := mustCreateUser(t, s, "paula", 100)

	job := &model.Job{ID: "job-not-owner", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	err := s.CancelPending(ctx, job.ID, other.ID)
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
}

func TestReapStalledJobsRefundsAndFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "quinn", 1000)
	worker, err := s.RegisterWorker(ctx, "", "stale-worker", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-stall", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	balAfterDebit, _ := s.GetBalance(ctx, submitter.ID)

	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}

	staleTime := time.Now().Add(-time.Hour)
	if err := s.SetWorkerStatus(ctx, worker.ID, model.WorkerOffline, staleTime); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}

	n, err := s.ReapStalledJobs(ctx, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("ReapStalledJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}

	gotJob, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != model.JobFailed {
		t.Errorf("Status = %q, want failed", gotJob.Status)
	}
	if gotJob.Result.Reason != model.ReasonWorkerLost {
		t.Errorf("Reason = %q, want worker_lost", gotJob.Result.Reason)
	}

	balAfterReap, _ := s.GetBalance(ctx, submitter.ID)
	if balAfterReap != balAfterDebit+job.CreditCost {
		t.Errorf("balance after reap = %d, want %d", balAfterReap, balAfterDebit+job.CreditCost)
	}
}

func TestReapStalledJobsDoesNotDoubleRefundASettledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "rex", 1000)
	worker, err := s.RegisterWorker(ctx, "", "racey-worker", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-race", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}

	// The worker's result beats the reaper: settle it completed first.
	if err := s.SettleJob(ctx, job.ID, model.JobCompleted, model.Result{}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}

	staleTime := time.Now().Add(-time.Hour)
	if err := s.SetWorkerStatus(ctx, worker.ID, model.WorkerOffline, staleTime); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}

	n, err := s.ReapStalledJobs(ctx, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("ReapStalledJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped = %d, want 0 (already settled)", n)
	}

	gotJob, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != model.JobCompleted {
		t.Errorf("Status = %q, want still completed", gotJob.Status)
	}
}

func TestReapTimedOutJobsIgnoresWorkerLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "tara", 1000)
	worker, err := s.RegisterWorker(ctx, "", "wedged-worker", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-wedged", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	balAfterDebit, _ := s.GetBalance(ctx, submitter.ID)

	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}

	// The worker stays online and heartbeating the whole time; only the
	// job's own elapsed runtime against 2x its timeout should matter.
	if err := s.SetWorkerStatus(ctx, worker.ID, model.WorkerBusy, time.Now()); err != nil {
		t.Fatalf("SetWorkerStatus: %v", err)
	}

	future := time.Now().Add(125 * time.Second) // just past 2x the 60s timeout
	n, err := s.ReapTimedOutJobs(ctx, future)
	if err != nil {
		t.Fatalf("ReapTimedOutJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}

	gotJob, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != model.JobFailed {
		t.Errorf("Status = %q, want failed", gotJob.Status)
	}

	balAfterReap, _ := s.GetBalance(ctx, submitter.ID)
	if balAfterReap != balAfterDebit+job.CreditCost {
		t.Errorf("balance after reap = %d, want %d", balAfterReap, balAfterDebit+job.CreditCost)
	}
}

func TestReapTimedOutJobsLeavesJobsWithinBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	submitter := mustCreateUser(t, s, "uma", 1000)
	worker, err := s.RegisterWorker(ctx, "", "fine-worker", model.Specs{CPUCores: 4, RAMGB: 8})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	job := &model.Job{ID: "job-on-time", Title: "t", SubmitterID: submitter.ID,
		Demands: model.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 300}}
	job.CreditCost = model.Cost(job.Demands)
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.AssignNextJob(ctx, worker.ID, worker.LatestSpecs); err != nil {
		t.Fatalf("AssignNextJob: %v", err)
	}

	n, err := s.ReapTimedOutJobs(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReapTimedOutJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped = %d, want 0 (well within 2x its 300s timeout)", n)
	}
}

func TestActivityLogAndLeaderboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "sam", 500)

	if err := s.LogActivity(ctx, "job_submitted", u.ID, "details"); err != nil {
		t.Fatalf("LogActivity: %v", err)
	}

	entries, err := s.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != "job_submitted" {
		t.Errorf("entries = %+v, want one job_submitted entry", entries)
	}

	board, err := s.TopContributors(ctx, 10)
	if err != nil {
		t.Fatalf("TopContributors: %v", err)
	}
	if len(board) != 1 || board[0].Username != "sam" || board[0].Balance != 500 {
		t.Errorf("board = %+v, want sam with balance 500", board)
	}
}

func TestRemoveWorkerNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.RemoveWorker(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
