// Package task owns the shared task backlog: the hierarchy, the
// dependency DAG, the status machine, and the append-only notes log.
package task

import (
	"fmt"
	"time"

	"github.com/herdwork/corral/internal/fault"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	// StatusBlocked flags a task whose dependencies are incomplete.
	// It is not terminal: it clears lazily once every dependency is
	// completed (checked on read and on transition attempts).
	StatusBlocked Status = "blocked"
)

// Priority orders tasks for human triage. It carries no scheduling
// semantics inside the store.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ValidateStatus checks that s is a known status.
func ValidateStatus(s Status) error {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled, StatusBlocked:
		return nil
	}
	return fault.Validationf("unknown status %q (valid: pending, in_progress, completed, cancelled, blocked)", s)
}

// ValidatePriority checks that p is a known priority.
func ValidatePriority(p Priority) error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return nil
	}
	return fault.Validationf("unknown priority %q (valid: low, medium, high)", p)
}

// Note is one append-only progress entry on a task.
type Note struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the full view of one backlog entry. ChildTasks and Notes
// are derived projections filled in on read.
type Task struct {
	ID          string    `json:"task_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	CreatedBy   string    `json:"created_by"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	ParentTask  string    `json:"parent_task,omitempty"`
	ChildTasks  []string  `json:"child_tasks,omitempty"`
	DependsOn   []string  `json:"depends_on_tasks,omitempty"`
	Notes       []Note    `json:"notes,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateParams is the input for Store.Create.
type CreateParams struct {
	Title        string
	Description  string
	Priority     Priority
	ParentTaskID string
	DependsOn    []string
}

// Filter narrows Store.List. Zero values match everything.
type Filter struct {
	Status     Status
	AssignedTo string
	Parent     string
}

// --- Status machine ---

// CanTransition reports whether from → to is a legal move, ignoring
// dependency state (the store layers the blocked check on top).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled || to == StatusBlocked
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled || to == StatusBlocked
	case StatusBlocked:
		return to == StatusInProgress || to == StatusCancelled
	}
	// completed and cancelled are terminal.
	return false
}

// TransitionError builds the rejection for an illegal move.
func TransitionError(taskID string, from, to Status) error {
	return fault.Validationf("task %q cannot move %s → %s", taskID, from, to)
}

// --- Dependency graph ---

// Reaches reports whether target is reachable from start by following
// depends_on edges in adj. It is the cycle guard: introducing the edge
// newTask → dep is rejected when Reaches(adj, dep, newTask) is true.
// Kept pure so the property tests can drive it with arbitrary graphs.
func Reaches(adj map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// CycleError names the offending edge on rejection.
func CycleError(taskID, dep string) error {
	return fault.Validationf("dependency on %q would create a cycle back to task %q", dep, taskID)
}

// depsSatisfied reports whether every dependency status in deps is
// completed.
func depsSatisfied(deps []Status) bool {
	for _, s := range deps {
		if s != StatusCompleted {
			return false
		}
	}
	return true
}

// EffectiveStatus applies the lazy blocked rule: a stored blocked
// status reads as pending once all dependencies are completed, and a
// pending/in_progress task with incomplete dependencies reads as
// blocked. Terminal states are never rewritten.
func EffectiveStatus(stored Status, deps []Status) Status {
	switch stored {
	case StatusBlocked:
		if depsSatisfied(deps) {
			return StatusPending
		}
	case StatusPending, StatusInProgress:
		if !depsSatisfied(deps) {
			return StatusBlocked
		}
	}
	return stored
}

func (t *Task) String() string {
	return fmt.Sprintf("%s [%s/%s] %s", t.ID, t.Status, t.Priority, t.Title)
}
