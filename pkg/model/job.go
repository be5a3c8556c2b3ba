package model

import "time"

// JobStatus follows the monotonic state machine: pending can only move to
// running or cancelled; running can only move to a terminal status.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is a terminal one — no further
// transition is legal from here.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// Demands is the resource profile a job requires of a worker, matched
// against a worker's Specs by Specs.Satisfies.
type Demands struct {
	CPUCores       int      `json:"cpu_cores"`
	RAMGB          float64  `json:"ram_gb"`
	GPURequired    bool     `json:"gpu_required"`
	DockerRequired bool     `json:"docker_required"`
	RequiredTags   []string `json:"required_tags,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// ResultFile is one artifact produced under the sandbox's output
// directory and copied back with the job result.
type ResultFile struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// FailureReason names why a job ended in failed/timed_out, for audit and
// for the settlement refund policy.
type FailureReason string

const (
	ReasonNone         FailureReason = ""
	ReasonOOM          FailureReason = "oom"
	ReasonDependency   FailureReason = "dependency"
	ReasonWorkerLost   FailureReason = "worker_lost"
	ReasonExecutionErr FailureReason = "execution_error"
)

// Result holds everything the worker reports back for a settled job.
type Result struct {
	Stdout string       `json:"stdout"`
	Stderr string       `json:"stderr"`
	Files  []ResultFile `json:"files,omitempty"`
	Reason FailureReason `json:"reason,omitempty"`
	// Degraded marks a result produced by the worker's restricted
	// (non-container) execution mode. It is set on the worker only: the
	// job_result wire message does not carry it, so a result stored by the
	// coordinator always has it false.
	Degraded bool `json:"degraded,omitempty"`
}

// Job is a unit of untrusted work submitted by a user and executed by a
// matched worker. AssignedWorkerID is non-empty iff Status is running or a
// terminal status reached after assignment.
type Job struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	SubmitterID      string    `json:"submitter_id"`
	Code             []byte    `json:"-"`
	Requirements     string    `json:"requirements,omitempty"`
	Demands          Demands   `json:"demands"`
	CreditCost       int64     `json:"credit_cost"`
	CreditReward     int64     `json:"credit_reward"`
	Status           JobStatus `json:"status"`
	AssignedWorkerID string    `json:"assigned_worker_id,omitempty"`
	Result           Result    `json:"result"`
	Priority         int       `json:"priority"`
	SubmittedAt      time.Time `json:"submitted_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// QueueEntry is the pending-queue pointer to a job. It exists iff the job
// it names is still pending; assignment and cancellation both remove it.
type QueueEntry struct {
	JobID    string    `json:"job_id"`
	Priority int       `json:"priority"`
	QueuedAt time.Time `json:"queued_at"`
}

// TxKind discriminates the reason for a ledger entry.
type TxKind string

const (
	TxSignupGrant TxKind = "signup_grant"
	TxJobDebit    TxKind = "job_debit"
	TxJobCredit   TxKind = "job_credit"
	TxAdminAdjust TxKind = "admin_adjust"
)

// CreditTransaction is one append-only ledger row. A user's balance is
// always the sum of their transactions' deltas — see Store.GetBalance.
type CreditTransaction struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Delta     int64     `json:"delta"`
	Kind      TxKind    `json:"kind"`
	JobID     string    `json:"job_id,omitempty"`
	At        time.Time `json:"at"`
}

// Cost computes the credit cost of a job per the coordinator's pricing
// formula: cost = 5 + 2*cpu_cores + 1*ceil(ram_gb) + 10*(gpu?1:0) +
// ceil(timeout_seconds/60). Reward defaults to the same value.
func Cost(d Demands) int64 {
	ramCeil := int64(d.RAMGB)
	if float64(ramCeil) < d.RAMGB {
		ramCeil++
	}
	gpuCost := int64(0)
	if d.GPURequired {
		gpuCost = 10
	}
	timeoutMinutes := int64(d.TimeoutSeconds+59) / 60
	return 5 + 2*int64(d.CPUCores) + ramCeil + gpuCost + timeoutMinutes
}
