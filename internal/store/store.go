// Package store is the coordinator's persistence layer: durable tables
// for users, workers, jobs, the pending queue, and the credit ledger,
// behind one transactional Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"campus-compute/pkg/model"
)

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInsufficientCredits is returned by EnqueueJob when the
	// submitter's balance is below the job's cost.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	// ErrNotPending is returned by CancelPending against a job that is
	// no longer pending.
	ErrNotPending = errors.New("store: job is not pending")
	// ErrNotOwner is returned by CancelPending when submitterID does not
	// match the job's submitter.
	ErrNotOwner = errors.New("store: not the job's submitter")
	// ErrNotRunning is returned by SettleJob against a job that is not
	// currently running — settling twice, or settling a stale result
	// from a worker that already lost its job to the reaper.
	ErrNotRunning = errors.New("store: job is not running")
	// ErrDuplicateUsername is returned by CreateUser on a username
	// collision.
	ErrDuplicateUsername = errors.New("store: username already exists")
)

// ActivityEntry is one row of the append-only audit trail.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id,omitempty"`
	Details   string    `json:"details"`
	At        time.Time `json:"at"`
}

// LeaderboardEntry ranks a user by credit balance for the dashboard's
// leaderboard query.
type LeaderboardEntry struct {
	Username      string `json:"username"`
	Balance       int64  `json:"balance"`
	ActiveWorkers int    `json:"active_workers"`
	JobsCompleted int64  `json:"jobs_completed"`
}

// Store defines every durable, transactional operation the coordinator
// needs. Each method is documented as one transaction in spec; the
// SQLite implementation honors that one-to-one.
type Store interface {
	CreateUser(ctx context.Context, username, verifier string, role model.Role, startingGrant int64) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	AdminAdjust(ctx context.Context, userID string, delta int64, reason string) error

	RegisterWorker(ctx context.Context, ownerID, name string, specs model.Specs) (*model.Worker, error)
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	ListWorkersByOwner(ctx context.Context, ownerID string) ([]*model.Worker, error)
	SetWorkerStatus(ctx context.Context, workerID string, status model.WorkerStatus, at time.Time) error
	RemoveWorker(ctx context.Context, workerID string) error

	EnqueueJob(ctx context.Context, job *model.Job) error
	AssignNextJob(ctx context.Context, workerID string, specs model.Specs) (*model.Job, error)
	SettleJob(ctx context.Context, jobID string, outcome model.JobStatus, result model.Result) error
	CancelPending(ctx context.Context, jobID, submitterID string) error
	ReapStalledJobs(ctx context.Context, now time.Time, grace time.Duration) (int, error)
	ReapTimedOutJobs(ctx context.Context, now time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobsBySubmitter(ctx context.Context, userID string) ([]*model.Job, error)

	LogActivity(ctx context.Context, eventType, actorID, details string) error
	RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error)
	TopContributors(ctx context.Context, limit int) ([]LeaderboardEntry, error)

	Close() error
}
