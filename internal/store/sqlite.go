package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"campus-compute/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT UNIQUE NOT NULL,
	verifier   TEXT NOT NULL,
	role       TEXT NOT NULL,
	balance    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	owner_id          TEXT,
	cpu_cores         INTEGER NOT NULL,
	ram_gb            REAL NOT NULL,
	gpu_name          TEXT,
	docker_available  INTEGER NOT NULL DEFAULT 0,
	tags              TEXT,
	status            TEXT NOT NULL,
	last_heartbeat_at DATETIME,
	jobs_completed    INTEGER NOT NULL DEFAULT 0,
	credits_earned    INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	FOREIGN KEY (owner_id) REFERENCES users(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_owner_name ON workers(owner_id, name);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	submitter_id       TEXT NOT NULL,
	code               BLOB NOT NULL,
	requirements       TEXT,
	cpu_cores          INTEGER NOT NULL,
	ram_gb             REAL NOT NULL,
	gpu_required       INTEGER NOT NULL DEFAULT 0,
	docker_required    INTEGER NOT NULL DEFAULT 0,
	required_tags      TEXT,
	timeout_seconds    INTEGER NOT NULL,
	credit_cost        INTEGER NOT NULL,
	credit_reward      INTEGER NOT NULL,
	status             TEXT NOT NULL,
	assigned_worker_id TEXT,
	result_stdout      TEXT,
	result_stderr      TEXT,
	result_files       TEXT,
	result_reason      TEXT,
	result_degraded    INTEGER NOT NULL DEFAULT 0,
	priority           INTEGER NOT NULL DEFAULT 5,
	submitted_at       DATETIME NOT NULL,
	started_at         DATETIME,
	finished_at        DATETIME,
	FOREIGN KEY (submitter_id) REFERENCES users(id),
	FOREIGN KEY (assigned_worker_id) REFERENCES workers(id)
);

CREATE TABLE IF NOT EXISTS job_queue (
	job_id    TEXT PRIMARY KEY,
	priority  INTEGER NOT NULL,
	queued_at DATETIME NOT NULL,
	FOREIGN KEY (job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_job_queue_order ON job_queue(priority DESC, queued_at ASC, job_id ASC);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	delta   INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	job_id  TEXT,
	at      DATETIME NOT NULL,
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS activity_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	actor_id   TEXT,
	details    TEXT,
	at         DATETIME NOT NULL
);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on top of database/sql and
// modernc.org/sqlite. WAL mode plus a generous busy_timeout gives SQLite's
// single-writer semantics the serialization spec requires of
// AssignNextJob without any explicit row locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath and runs the schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------
// Users and credits
// ---------------------------------------------------------------------

// CreateUser inserts a new user row and its signup_grant ledger entry in
// one transaction.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, verifier string, role model.Role, startingGrant int64) (*model.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create user: %w", err)
	}
	defer tx.Rollback()

	user := &model.User{
		ID:        uuid.NewString(),
		Username:  username,
		Verifier:  verifier,
		Role:      role,
		Balance:   startingGrant,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, verifier, role, balance, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Verifier, string(user.Role), user.Balance, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("store: insert user: %w", err)
	}

	if err := insertLedgerEntry(ctx, tx, user.ID, startingGrant, model.TxSignupGrant, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, verifier, role, balance, created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, verifier, role, balance, created_at FROM users WHERE username = ?`, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.Verifier, &role, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.Role = model.Role(role)
	return u, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: get balance: %w", err)
	}
	return balance, nil
}

// AdminAdjust applies a signed delta to a user's balance via an
// admin_adjust ledger entry.
func (s *SQLiteStore) AdminAdjust(ctx context.Context, userID string, delta int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin admin adjust: %w", err)
	}
	defer tx.Rollback()

	if err := applyBalanceDelta(ctx, tx, userID, delta); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, userID, delta, model.TxAdminAdjust, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit admin adjust: %w", err)
	}
	return nil
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, userID string, delta int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ? AND balance + ? >= 0`,
		delta, userID, delta)
	if err != nil {
		return fmt.Errorf("store: apply balance delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: apply balance delta rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrInsufficientCredits
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, userID string, delta int64, kind model.TxKind, jobID string) error {
	var jobIDArg any
	if jobID != "" {
		jobIDArg = jobID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (user_id, delta, kind, job_id, at) VALUES (?, ?, ?, ?, ?)`,
		userID, delta, string(kind), jobIDArg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert ledger entry: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------

// RegisterWorker re-adopts an existing (owner, name) row if one exists,
// refreshing its specs and status; otherwise it allocates a new id.
// Anonymous workers (ownerID == "") have no durable identity to match
// against and always get a fresh row.
func (s *SQLiteStore) RegisterWorker(ctx context.Context, ownerID, name string, specs model.Specs) (*model.Worker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin register worker: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	tagsJSON, err := json.Marshal(specs.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tags: %w", err)
	}

	var existingID string
	if ownerID != "" {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM workers WHERE owner_id = ? AND name = ?`, ownerID, name).Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: lookup existing worker: %w", err)
		}
	}

	id := existingID
	if id == "" {
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workers (id, name, owner_id, cpu_cores, ram_gb, gpu_name, docker_available, tags, status, last_heartbeat_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, name, nullableString(ownerID), specs.CPUCores, specs.RAMGB, nullableString(specs.GPUName),
			boolToInt(specs.DockerAvail), string(tagsJSON), string(model.WorkerIdle), now, now)
		if err != nil {
			return nil, fmt.Errorf("store: insert worker: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE workers SET cpu_cores = ?, ram_gb = ?, gpu_name = ?, docker_available = ?, tags = ?, status = ?, last_heartbeat_at = ?
			 WHERE id = ?`,
			specs.CPUCores, specs.RAMGB, nullableString(specs.GPUName), boolToInt(specs.DockerAvail),
			string(tagsJSON), string(model.WorkerIdle), now, id)
		if err != nil {
			return nil, fmt.Errorf("store: update worker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit register worker: %w", err)
	}
	return s.GetWorker(ctx, id)
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	return s.scanWorker(s.db.QueryRowContext(ctx, selectWorkerSQL+` WHERE id = ?`, id))
}

const selectWorkerSQL = `SELECT id, name, owner_id, cpu_cores, ram_gb, gpu_name, docker_available, tags,
	status, last_heartbeat_at, jobs_completed, credits_earned, created_at FROM workers`

func (s *SQLiteStore) scanWorker(row *sql.Row) (*model.Worker, error) {
	w := &model.Worker{}
	var ownerID, gpuName, tagsJSON sql.NullString
	var status string
	var heartbeat sql.NullTime
	var dockerAvail int
	err := row.Scan(&w.ID, &w.Name, &ownerID, &w.LatestSpecs.CPUCores, &w.LatestSpecs.RAMGB,
		&gpuName, &dockerAvail, &tagsJSON, &status, &heartbeat, &w.JobsCompleted, &w.CreditsEarned, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan worker: %w", err)
	}
	w.OwnerID = ownerID.String
	w.LatestSpecs.GPUName = gpuName.String
	w.LatestSpecs.DockerAvail = dockerAvail != 0
	w.Status = model.WorkerStatus(status)
	if heartbeat.Valid {
		w.LastHeartbeatAt = heartbeat.Time
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &w.LatestSpecs.Tags)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	return s.queryWorkers(ctx, selectWorkerSQL+` ORDER BY status ASC, last_heartbeat_at DESC`)
}

func (s *SQLiteStore) ListWorkersByOwner(ctx context.Context, ownerID string) ([]*model.Worker, error) {
	return s.queryWorkers(ctx, selectWorkerSQL+` WHERE owner_id = ? ORDER BY last_heartbeat_at DESC`, ownerID)
}

func (s *SQLiteStore) queryWorkers(ctx context.Context, query string, args ...any) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w := &model.Worker{}
		var ownerID, gpuName, tagsJSON sql.NullString
		var status string
		var heartbeat sql.NullTime
		var dockerAvail int
		if err := rows.Scan(&w.ID, &w.Name, &ownerID, &w.LatestSpecs.CPUCores, &w.LatestSpecs.RAMGB,
			&gpuName, &dockerAvail, &tagsJSON, &status, &heartbeat, &w.JobsCompleted, &w.CreditsEarned, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan worker row: %w", err)
		}
		w.OwnerID = ownerID.String
		w.LatestSpecs.GPUName = gpuName.String
		w.LatestSpecs.DockerAvail = dockerAvail != 0
		w.Status = model.WorkerStatus(status)
		if heartbeat.Valid {
			w.LastHeartbeatAt = heartbeat.Time
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &w.LatestSpecs.Tags)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate workers: %w", err)
	}
	return workers, nil
}

func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, workerID string, status model.WorkerStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat_at = ? WHERE id = ?`, string(status), at, workerID)
	if err != nil {
		return fmt.Errorf("store: set worker status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveWorker(ctx context.Context, workerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("store: remove worker: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------
// Jobs and the pending queue
// ---------------------------------------------------------------------

// EnqueueJob inserts the job row, its queue entry, and a job_debit ledger
// entry in one transaction, failing atomically if the submitter's balance
// can't cover the cost.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin enqueue job: %w", err)
	}
	defer tx.Rollback()

	if err := applyBalanceDelta(ctx, tx, job.SubmitterID, -job.CreditCost); err != nil {
		return err
	}

	tagsJSON, err := json.Marshal(job.Demands.RequiredTags)
	if err != nil {
		return fmt.Errorf("store: marshal required tags: %w", err)
	}

	job.Status = model.JobPending
	job.SubmittedAt = time.Now().UTC()

	// A nil slice binds as NULL, which the NOT NULL code column rejects.
	code := job.Code
	if code == nil {
		code = []byte{}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, title, submitter_id, code, requirements, cpu_cores, ram_gb, gpu_required,
			docker_required, required_tags, timeout_seconds, credit_cost, credit_reward, status, priority, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Title, job.SubmitterID, code, job.Requirements, job.Demands.CPUCores, job.Demands.RAMGB,
		boolToInt(job.Demands.GPURequired), boolToInt(job.Demands.DockerRequired), string(tagsJSON),
		job.Demands.TimeoutSeconds, job.CreditCost, job.CreditReward, string(job.Status), job.Priority, job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_queue (job_id, priority, queued_at) VALUES (?, ?, ?)`,
		job.ID, job.Priority, job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("store: insert queue entry: %w", err)
	}

	if err := insertLedgerEntry(ctx, tx, job.SubmitterID, -job.CreditCost, model.TxJobDebit, job.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit enqueue job: %w", err)
	}
	return nil
}

// AssignNextJob walks the pending queue in (priority DESC, queued_at ASC,
// job_id ASC) order and claims the first entry the worker's specs
// satisfy. WAL mode serializes this against other writers, so at most one
// concurrent caller can win any given row.
func (s *SQLiteStore) AssignNextJob(ctx context.Context, workerID string, specs model.Specs) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin assign next job: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		selectJobSQL+` JOIN job_queue q ON q.job_id = j.id WHERE j.status = ?
		 ORDER BY q.priority DESC, q.queued_at ASC, j.id ASC`, string(model.JobPending))
	if err != nil {
		return nil, fmt.Errorf("store: scan pending queue: %w", err)
	}

	var candidates []*model.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("store: iterate pending queue: %w", err)
	}
	rows.Close()

	var chosen *model.Job
	for _, job := range candidates {
		if specs.Satisfies(job.Demands) {
			chosen = job
			break
		}
	}
	if chosen == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, assigned_worker_id = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.JobRunning), workerID, now, chosen.ID, string(model.JobPending))
	if err != nil {
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim job rows: %w", err)
	}
	if n == 0 {
		// Lost the race within this same lock scope shouldn't happen,
		// but surface as no-job rather than a half-claimed state.
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, chosen.ID); err != nil {
		return nil, fmt.Errorf("store: remove queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit assign next job: %w", err)
	}

	chosen.Status = model.JobRunning
	chosen.AssignedWorkerID = workerID
	chosen.StartedAt = now
	return chosen, nil
}

// SettleJob transitions a running job to a terminal status and applies
// the credit outcome. Settling against a non-running job (a stale result
// from a reaped job, or a duplicate result) is rejected.
func (s *SQLiteStore) SettleJob(ctx context.Context, jobID string, outcome model.JobStatus, result model.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin settle job: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJobRow(tx.QueryRowContext(ctx, selectJobSQL+` WHERE j.id = ?`, jobID))
	if err != nil {
		return err
	}
	if job.Status != model.JobRunning {
		return ErrNotRunning
	}

	now := time.Now().UTC()
	filesJSON, err := json.Marshal(result.Files)
	if err != nil {
		return fmt.Errorf("store: marshal result files: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_stdout = ?, result_stderr = ?, result_files = ?, result_reason = ?,
			result_degraded = ?, finished_at = ? WHERE id = ?`,
		string(outcome), result.Stdout, result.Stderr, string(filesJSON), string(result.Reason),
		boolToInt(result.Degraded), now, jobID)
	if err != nil {
		return fmt.Errorf("store: update job on settle: %w", err)
	}

	switch outcome {
	case model.JobCompleted:
		if err := creditWorkerOwner(ctx, tx, job); err != nil {
			return err
		}
	case model.JobTimedOut:
		refund := job.CreditCost / 2
		if refund > 0 {
			if err := applyBalanceDelta(ctx, tx, job.SubmitterID, refund); err != nil {
				return err
			}
			if err := insertLedgerEntry(ctx, tx, job.SubmitterID, refund, model.TxJobCredit, jobID); err != nil {
				return err
			}
		}
	case model.JobFailed:
		// No refund by default: the cost paid for the execution attempt.
	}

	if job.AssignedWorkerID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE workers SET jobs_completed = jobs_completed + 1 WHERE id = ?`, job.AssignedWorkerID)
		if err != nil {
			return fmt.Errorf("store: bump worker job count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit settle job: %w", err)
	}
	return nil
}

func creditWorkerOwner(ctx context.Context, tx *sql.Tx, job *model.Job) error {
	var ownerID sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM workers WHERE id = ?`, job.AssignedWorkerID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) || !ownerID.Valid || ownerID.String == "" {
		return nil // anonymous worker: no owner to credit
	}
	if err != nil {
		return fmt.Errorf("store: lookup worker owner: %w", err)
	}
	if err := applyBalanceDelta(ctx, tx, ownerID.String, job.CreditReward); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, ownerID.String, job.CreditReward, model.TxJobCredit, job.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE workers SET credits_earned = credits_earned + ? WHERE id = ?`,
		job.CreditReward, job.AssignedWorkerID)
	if err != nil {
		return fmt.Errorf("store: bump worker earnings: %w", err)
	}
	return nil
}

// CancelPending transitions a pending job to cancelled, removes its queue
// entry, and refunds the full cost.
func (s *SQLiteStore) CancelPending(ctx context.Context, jobID, submitterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin cancel pending: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJobRow(tx.QueryRowContext(ctx, selectJobSQL+` WHERE j.id = ?`, jobID))
	if err != nil {
		return err
	}
	if job.SubmitterID != submitterID {
		return ErrNotOwner
	}
	if job.Status != model.JobPending {
		return ErrNotPending
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`,
		string(model.JobCancelled), now, jobID)
	if err != nil {
		return fmt.Errorf("store: update job on cancel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("store: remove queue entry on cancel: %w", err)
	}
	if err := applyBalanceDelta(ctx, tx, submitterID, job.CreditCost); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, submitterID, job.CreditCost, model.TxJobCredit, jobID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit cancel pending: %w", err)
	}
	return nil
}

// ReapStalledJobs fails and refunds every running job whose assigned
// worker has been offline for longer than grace.
func (s *SQLiteStore) ReapStalledJobs(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin reap: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-grace)
	rows, err := tx.QueryContext(ctx,
		`SELECT j.id, j.submitter_id, j.credit_cost, j.assigned_worker_id
		 FROM jobs j JOIN workers w ON w.id = j.assigned_worker_id
		 WHERE j.status = ? AND w.status = ? AND w.last_heartbeat_at < ?`,
		string(model.JobRunning), string(model.WorkerOffline), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: query stalled jobs: %w", err)
	}

	type stalled struct {
		jobID, submitterID, workerID string
		cost                         int64
	}
	var victims []stalled
	for rows.Next() {
		var v stalled
		if err := rows.Scan(&v.jobID, &v.submitterID, &v.cost, &v.workerID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan stalled job: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("store: iterate stalled jobs: %w", err)
	}
	rows.Close()

	for _, v := range victims {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, result_reason = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(model.JobFailed), string(model.ReasonWorkerLost), now, v.jobID, string(model.JobRunning))
		if err != nil {
			return 0, fmt.Errorf("store: fail stalled job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // a late result already settled it; don't double-refund
		}
		if err := applyBalanceDelta(ctx, tx, v.submitterID, v.cost); err != nil {
			return 0, err
		}
		if err := insertLedgerEntry(ctx, tx, v.submitterID, v.cost, model.TxJobCredit, v.jobID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit reap: %w", err)
	}
	return len(victims), nil
}

// ReapTimedOutJobs fails and refunds every running job that has run for
// more than twice its declared timeout, independent of whether its
// assigned worker's heartbeat is still live. ReapStalledJobs only catches
// a worker that has gone quiet; a job wedged in an infinite loop on a
// worker that keeps heartbeating fine would otherwise run forever.
func (s *SQLiteStore) ReapTimedOutJobs(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin reap timed out: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, submitter_id, credit_cost, started_at, timeout_seconds FROM jobs
		 WHERE status = ? AND started_at IS NOT NULL`,
		string(model.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("store: query running jobs: %w", err)
	}

	type overdue struct {
		jobID, submitterID string
		cost               int64
	}
	var victims []overdue
	for rows.Next() {
		var jobID, submitterID string
		var cost int64
		var startedAt sql.NullTime
		var timeoutSeconds int
		if err := rows.Scan(&jobID, &submitterID, &cost, &startedAt, &timeoutSeconds); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan running job: %w", err)
		}
		if !startedAt.Valid {
			continue
		}
		deadline := startedAt.Time.Add(2 * time.Duration(timeoutSeconds) * time.Second)
		if now.After(deadline) {
			victims = append(victims, overdue{jobID: jobID, submitterID: submitterID, cost: cost})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("store: iterate running jobs: %w", err)
	}
	rows.Close()

	for _, v := range victims {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, result_reason = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(model.JobFailed), string(model.ReasonExecutionErr), now, v.jobID, string(model.JobRunning))
		if err != nil {
			return 0, fmt.Errorf("store: fail timed out job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // a late result already settled it; don't double-refund
		}
		if err := applyBalanceDelta(ctx, tx, v.submitterID, v.cost); err != nil {
			return 0, err
		}
		if err := insertLedgerEntry(ctx, tx, v.submitterID, v.cost, model.TxJobCredit, v.jobID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit reap timed out: %w", err)
	}
	return len(victims), nil
}

const selectJobSQL = `SELECT j.id, j.title, j.submitter_id, j.code, j.requirements, j.cpu_cores, j.ram_gb,
	j.gpu_required, j.docker_required, j.required_tags, j.timeout_seconds, j.credit_cost, j.credit_reward,
	j.status, j.assigned_worker_id, j.result_stdout, j.result_stderr, j.result_files, j.result_reason,
	j.result_degraded, j.priority, j.submitted_at, j.started_at, j.finished_at FROM jobs j`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var requirements, assignedWorker, stdout, stderr, filesJSON, reason, tagsJSON sql.NullString
	var startedAt, finishedAt sql.NullTime
	var gpuReq, dockerReq, degraded int
	var status string

	err := row.Scan(&j.ID, &j.Title, &j.SubmitterID, &j.Code, &requirements, &j.Demands.CPUCores, &j.Demands.RAMGB,
		&gpuReq, &dockerReq, &tagsJSON, &j.Demands.TimeoutSeconds, &j.CreditCost, &j.CreditReward,
		&status, &assignedWorker, &stdout, &stderr, &filesJSON, &reason, &degraded, &j.Priority,
		&j.SubmittedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	j.Requirements = requirements.String
	j.AssignedWorkerID = assignedWorker.String
	j.Status = model.JobStatus(status)
	j.Demands.GPURequired = gpuReq != 0
	j.Demands.DockerRequired = dockerReq != 0
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &j.Demands.RequiredTags)
	}
	j.Result.Stdout = stdout.String
	j.Result.Stderr = stderr.String
	j.Result.Reason = model.FailureReason(reason.String)
	j.Result.Degraded = degraded != 0
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &j.Result.Files)
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return scanJobRow(s.db.QueryRowContext(ctx, selectJobSQL+` WHERE j.id = ?`, id))
}

func (s *SQLiteStore) ListJobsBySubmitter(ctx context.Context, userID string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJobSQL+` WHERE j.submitter_id = ? ORDER BY j.submitted_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs by submitter: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate jobs by submitter: %w", err)
	}
	return jobs, nil
}

// ---------------------------------------------------------------------
// Activity log and leaderboard
// ---------------------------------------------------------------------

func (s *SQLiteStore) LogActivity(ctx context.Context, eventType, actorID, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (event_type, actor_id, details, at) VALUES (?, ?, ?, ?)`,
		eventType, nullableString(actorID), details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: log activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, actor_id, details, at FROM activity_logs ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &actorID, &e.Details, &e.At); err != nil {
			return nil, fmt.Errorf("store: scan activity row: %w", err)
		}
		e.ActorID = actorID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) TopContributors(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, u.balance,
			(SELECT COUNT(*) FROM workers w WHERE w.owner_id = u.id AND w.status != ?) AS active_workers,
			(SELECT COALESCE(SUM(jobs_completed), 0) FROM workers w WHERE w.owner_id = u.id) AS jobs_completed
		FROM users u ORDER BY u.balance DESC LIMIT ?`, string(model.WorkerOffline), limit)
	if err != nil {
		return nil, fmt.Errorf("store: top contributors: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Username, &e.Balance, &e.ActiveWorkers, &e.JobsCompleted); err != nil {
			return nil, fmt.Errorf("store: scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
