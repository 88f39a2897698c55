// Package agent owns agent identity and lifecycle: creation under the
// admin's authority, activity tracking, and termination with lock and
// task reclaim.
//
// Agent records are never physically deleted. Termination marks the
// record and mints no further authority for its token; the row stays
// behind as the audit trail referenced by lock reclaim history and
// task notes. An agent id may be reused after termination; the new
// incarnation always gets a fresh token.
package agent

import (
	"errors"
	"time"
)

// Status is an agent's lifecycle state. It only moves forward.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// ErrNoOp reports a terminate call against an unknown or already
// terminated agent. Not fatal; callers surface it as a no-op.
var ErrNoOp = errors.New("no-op")

// Palette is the fixed color cycle assigned to agents for UI display.
var Palette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#e5c07b", "#56b6c2", "#d19a66", "#abb2bf",
}

// Agent is one registered worker. Token is the bearer credential
// owned exclusively by this incarnation; it is returned once, at
// creation.
type Agent struct {
	ID               string     `json:"agent_id"`
	Token            string     `json:"token,omitempty"`
	Capabilities     []string   `json:"capabilities"`
	Status           Status     `json:"status"`
	CurrentTask      string     `json:"current_task,omitempty"`
	WorkingDirectory string     `json:"working_directory"`
	SessionHandle    string     `json:"session_handle,omitempty"`
	Color            string     `json:"color"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	TerminatedAt     *time.Time `json:"terminated_at,omitempty"`
	LastActiveAt     time.Time  `json:"last_active_at"`
}

// Terminated reports whether this incarnation has reached a terminal
// state.
func (a *Agent) Terminated() bool {
	switch a.Status {
	case StatusTerminated, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// SessionManager is the external collaborator that provisions an
// execution environment for a new agent. The registry only records
// the working directory and session handle it hands back.
type SessionManager interface {
	// Spawn provisions an environment for agentID.
	Spawn(agentID string) (workingDirectory, sessionHandle string, err error)
	// Kill tears the environment down. Best effort on termination.
	Kill(sessionHandle string) error
}

// LockReleaser is the slice of the lock manager the registry needs:
// bulk reclaim on termination.
type LockReleaser interface {
	ReleaseAll(agentID string) (int, error)
}

// TaskBinder is the slice of the task store the registry needs:
// validating and binding the tasks a new agent is created for, and
// releasing assignments on termination.
type TaskBinder interface {
	ExistAll(taskIDs []string) error
	AssignExisting(caller string, taskIDs []string, agentID string) error
	UnassignAgent(agentID string) (int, error)
}
