// Package registry tracks which workers are currently connected. It is
// deliberately separate from the durable store: a worker's durable row
// survives a disconnect, but its live session — the socket, the outbound
// channel, the in-memory status — does not.
package registry

import (
	"sync"
	"time"

	"campus-compute/pkg/model"
)

// Session is what the registry knows about one connected worker. Send is
// the session handler's outbound channel; scheduler and API handlers push
// onto it to deliver a job or a disconnect notice without reaching into
// the session goroutines directly.
type Session struct {
	WorkerID        string
	Specs           model.Specs
	Status          model.WorkerStatus
	LastHeartbeatAt time.Time
	Send            chan<- []byte
}

// Registry is the live, in-memory set of attached worker sessions, guarded
// by a single RWMutex. Every method call is O(1) except Snapshot and Idle.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*Session)}
}

// Attach registers a freshly connected worker's live session, replacing
// any prior session under the same id (a reconnect before the old
// session's detach ran).
func (r *Registry) Attach(workerID string, specs model.Specs, send chan<- []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = &Session{
		WorkerID:        workerID,
		Specs:           specs,
		Status:          model.WorkerIdle,
		LastHeartbeatAt: time.Now(),
		Send:            send,
	}
}

// Heartbeat refreshes a session's last-seen timestamp always, and its
// reported status only while the session is currently idle. A coordinator-
// driven transition — MarkBusy on assignment, MarkIdle on settlement, Pause
// on an admin hold — is the only thing allowed to move a session out of
// idle; a worker's own periodic heartbeat can't downgrade a busy or paused
// session back to idle on its own. Without this, a heartbeat sent in the
// gap between assignment and the worker noticing it's busy (or a stray
// heartbeat racing an admin pause) could flip the session back to idle and
// let RequestJob double-assign a worker that's still running a job.
func (r *Registry) Heartbeat(workerID string, status model.WorkerStatus, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.workers[workerID]
	if !ok {
		return false
	}
	s.LastHeartbeatAt = at
	if s.Status == model.WorkerIdle {
		s.Status = status
	}
	return true
}

// MarkBusy flips a session to busy without waiting for the worker's next
// heartbeat, so the scheduler doesn't double-assign it in the gap.
func (r *Registry) MarkBusy(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.workers[workerID]; ok {
		s.Status = model.WorkerBusy
	}
}

// MarkIdle flips a session back to idle once its assigned job has settled.
// This is the only path back from busy — see Heartbeat's doc comment.
func (r *Registry) MarkIdle(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.workers[workerID]; ok {
		s.Status = model.WorkerIdle
	}
}

// Pause flips a session to paused, making it invisible to the scheduler's
// matching until Resume is called. It is a no-op if the worker is not
// currently attached; returns false in that case.
func (r *Registry) Pause(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.workers[workerID]
	if !ok {
		return false
	}
	s.Status = model.WorkerPaused
	return true
}

// Resume flips a paused session back to idle. It is a no-op if the worker
// is not currently attached or is not paused.
func (r *Registry) Resume(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.workers[workerID]
	if !ok || s.Status != model.WorkerPaused {
		return false
	}
	s.Status = model.WorkerIdle
	return true
}

// Detach removes a worker's live session, typically on disconnect or read
// error. It does not touch the durable worker row.
func (r *Registry) Detach(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
}

// Get returns the live session for workerID, if attached.
func (r *Registry) Get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	copy := *s
	return &copy, true
}

// Snapshot returns every currently attached session. The returned slice is
// a point-in-time copy safe to use without holding the registry's lock.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.workers))
	for _, s := range r.workers {
		out = append(out, *s)
	}
	return out
}

// Idle returns a copy of every attached session that is currently idle.
func (r *Registry) Idle() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.workers))
	for _, s := range r.workers {
		if s.Status == model.WorkerIdle {
			out = append(out, *s)
		}
	}
	return out
}

// Len reports the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
