package model

import "time"

// Role distinguishes what a user is allowed to do against the coordinator.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorkerOwner Role = "worker-owner"
	RoleSubmitter   Role = "submitter"
)

// User is a principal who owns a credit balance. Balance mutations only
// ever happen through a CreditTransaction row in the same transaction as
// the user row update; nothing is allowed to write users.balance directly.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Verifier  string    `json:"-"`
	Role      Role      `json:"role"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}
