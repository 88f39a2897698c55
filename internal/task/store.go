package task

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/herdwork/corral/internal/auth"
	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

// timeNow is a package-level var to allow test injection.
var timeNow = time.Now

// AgentDirectory is the narrow view of the agent registry the store
// needs to validate assignments. Implemented by agent.Store.
type AgentDirectory interface {
	// IsActiveAgent reports whether agentID names a known,
	// non-terminated agent.
	IsActiveAgent(agentID string) (bool, error)
}

// Store owns the tasks, task_deps and task_notes tables. Mutations
// serialize on one mutex and run in a transaction; a version column
// guards against lost updates from racing callers.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	agents AgentDirectory
}

// NewStore creates a task store over the shared database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetAgents wires the agent directory. The registry and the task
// store reference each other, so the composition root sets this after
// both exist.
func (s *Store) SetAgents(d AgentDirectory) {
	s.agents = d
}

// Create validates and persists a new task.
//
// Placement rule: an admin caller may always create a root (no
// parent). A non-admin caller may only do so while no root exists at
// all; afterwards a parentless create is rejected with guidance
// naming the caller's most recently touched task as the plausible
// parent, so the hierarchy stays connected.
//
// Dependencies are checked against the full edge set before any
// write: an edge that would close a cycle back to the new task
// rejects the whole call.
func (s *Store) Create(caller string, p CreateParams) (*Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fault.Validationf("title is required")
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if err := ValidatePriority(p.Priority); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", fault.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if p.ParentTaskID != "" {
		if err := existsTx(tx, p.ParentTaskID); err != nil {
			return nil, err
		}
	} else if !auth.IsAdmin(caller) {
		if err := s.checkRootAllowed(tx, caller); err != nil {
			return nil, err
		}
	}

	deps := dedupe(p.DependsOn)
	adj, err := edgesTx(tx)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	for _, dep := range deps {
		if err := existsTx(tx, dep); err != nil {
			return nil, err
		}
		if Reaches(adj, dep, id) {
			return nil, CycleError(id, dep)
		}
	}

	now := timeNow().UTC()
	ts := now.Format(storage.TimeFormat)
	_, err = tx.Exec(`
		INSERT INTO tasks (task_id, title, description, status, priority, created_by, parent_task, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, p.Title, p.Description, string(StatusPending), string(p.Priority),
		caller, nullable(p.ParentTaskID), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting task: %v", fault.ErrUnavailable, err)
	}
	for _, dep := range deps {
		if _, err := tx.Exec(`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, id, dep); err != nil {
			return nil, fmt.Errorf("%w: inserting dependency: %v", fault.ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing task: %v", fault.ErrUnavailable, err)
	}
	return s.getLocked(id)
}

// checkRootAllowed enforces the single-root placement rule for
// non-admin callers.
func (s *Store) checkRootAllowed(tx *sql.Tx, caller string) error {
	var roots int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE parent_task IS NULL`).Scan(&roots); err != nil {
		return fmt.Errorf("%w: counting roots: %v", fault.ErrUnavailable, err)
	}
	if roots == 0 {
		return nil
	}

	// Guidance: the caller's most recently touched task, falling back
	// to the existing root.
	var id, title string
	err := tx.QueryRow(`
		SELECT task_id, title FROM tasks
		WHERE created_by = ? OR assigned_to = ?
		ORDER BY updated_at DESC LIMIT 1`, caller, caller).Scan(&id, &title)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`SELECT task_id, title FROM tasks WHERE parent_task IS NULL ORDER BY created_at LIMIT 1`).Scan(&id, &title)
	}
	if err != nil {
		return fmt.Errorf("%w: finding placement guidance: %v", fault.ErrUnavailable, err)
	}
	return fault.Validationf("a root task already exists; pass parent_task_id to place this task in the hierarchy (most plausible parent: %s %q)", id, title)
}

// AssignExisting binds assigned_to on the named tasks. Admin only;
// the target agent must be non-terminated and every task must exist.
func (s *Store) AssignExisting(caller string, taskIDs []string, agentID string) error {
	if !auth.IsAdmin(caller) {
		return fault.Unauthorizedf("assigning tasks requires admin")
	}
	if len(taskIDs) == 0 {
		return fault.Validationf("task_ids is empty")
	}
	if s.agents != nil {
		active, err := s.agents.IsActiveAgent(agentID)
		if err != nil {
			return fmt.Errorf("checking agent %q: %w", agentID, err)
		}
		if !active {
			return fault.Validationf("agent %q is unknown or terminated", agentID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", fault.ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := timeNow().UTC().Format(storage.TimeFormat)
	for _, id := range dedupe(taskIDs) {
		if err := existsTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE tasks SET assigned_to = ?, version = version + 1, updated_at = ? WHERE task_id = ?`,
			agentID, now, id); err != nil {
			return fmt.Errorf("%w: assigning task %q: %v", fault.ErrUnavailable, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing assignment: %v", fault.ErrUnavailable, err)
	}
	return nil
}

// ExistAll verifies every id names a known task. Used by agent
// creation before any agent state is written.
func (s *Store) ExistAll(taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE task_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("%w: checking task %q: %v", fault.ErrUnavailable, id, err)
		}
		if n == 0 {
			return fault.Validationf("unknown task %q", id)
		}
	}
	return nil
}

// UnassignAgent clears assigned_to on every non-terminal task bound
// to agentID. Called on agent termination so assignments never point
// at a terminated agent. Returns the number of tasks released.
func (s *Store) UnassignAgent(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow().UTC().Format(storage.TimeFormat)
	res, err := s.db.Exec(`
		UPDATE tasks SET assigned_to = NULL, version = version + 1, updated_at = ?
		WHERE assigned_to = ? AND status NOT IN (?, ?)`,
		now, agentID, string(StatusCompleted), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("%w: unassigning tasks: %v", fault.ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateStatus moves a task through the status machine.
//
// Authorization: admin, the task's creator, or its assignee. The
// blocked flag is applied lazily: the stored status is first reduced
// to its effective value against current dependency states, then the
// transition is checked. Starting or completing a task with
// incomplete dependencies is rejected, naming them.
//
// The optional note is appended to the immutable notes log in the
// same transaction. The version column guards the write; a lost race
// surfaces as fault.ErrConflict.
func (s *Store) UpdateStatus(caller, taskID string, newStatus Status, note string) (*Task, error) {
	if err := ValidateStatus(newStatus); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", fault.ErrUnavailable, err)
	}
	defer tx.Rollback()

	t, err := loadTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if !auth.IsAdmin(caller) && caller != t.CreatedBy && caller != t.AssignedTo {
		return nil, fault.Unauthorizedf("agent %q is neither creator nor assignee of task %q", caller, taskID)
	}

	depStatuses, incomplete, err := depStatusesTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if (newStatus == StatusInProgress || newStatus == StatusCompleted) && len(incomplete) > 0 {
		return nil, fault.Validationf("task %q is blocked by incomplete dependencies: %s",
			taskID, strings.Join(incomplete, ", "))
	}

	eff := EffectiveStatus(t.Status, depStatuses)
	if !CanTransition(eff, newStatus) {
		return nil, TransitionError(taskID, eff, newStatus)
	}

	now := timeNow().UTC().Format(storage.TimeFormat)
	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, version = version + 1, updated_at = ?
		WHERE task_id = ? AND version = ?`,
		string(newStatus), now, taskID, t.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: updating task: %v", fault.ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.Conflictf("task %q was modified concurrently (version %d is stale)", taskID, t.Version)
	}

	if strings.TrimSpace(note) != "" {
		if _, err := tx.Exec(`INSERT INTO task_notes (task_id, author, body, created_at) VALUES (?, ?, ?, ?)`,
			taskID, caller, note, now); err != nil {
			return nil, fmt.Errorf("%w: appending note: %v", fault.ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing update: %v", fault.ErrUnavailable, err)
	}
	return s.getLocked(taskID)
}

// AppendNote adds a progress note without a status change. Same
// authorization as UpdateStatus.
func (s *Store) AppendNote(caller, taskID, body string) error {
	if strings.TrimSpace(body) == "" {
		return fault.Validationf("note body is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(taskID)
	if err != nil {
		return err
	}
	if !auth.IsAdmin(caller) && caller != t.CreatedBy && caller != t.AssignedTo {
		return fault.Unauthorizedf("agent %q is neither creator nor assignee of task %q", caller, taskID)
	}
	now := timeNow().UTC().Format(storage.TimeFormat)
	if _, err := s.db.Exec(`INSERT INTO task_notes (task_id, author, body, created_at) VALUES (?, ?, ?, ?)`,
		taskID, caller, body, now); err != nil {
		return fmt.Errorf("%w: appending note: %v", fault.ErrUnavailable, err)
	}
	return nil
}

// Get returns the full task view: children, dependencies, notes, and
// the lazily computed effective status.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(taskID)
}

// List returns tasks matching the filter, ordered by creation time.
// The status filter matches the effective (lazily unblocked) status.
func (s *Store) List(f Filter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT task_id FROM tasks`
	var conds []string
	var args []any
	if f.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.Parent != "" {
		conds = append(conds, "parent_task = ?")
		args = append(args, f.Parent)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, task_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %v", fault.ErrUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}

	var out []Task
	for _, id := range ids {
		t, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// --- internals (callers hold s.mu) ---

func (s *Store) getLocked(taskID string) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", fault.ErrUnavailable, err)
	}
	defer tx.Rollback()

	t, err := loadTx(tx, taskID)
	if err != nil {
		return nil, err
	}

	depStatuses, _, err := depStatusesTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	t.Status = EffectiveStatus(t.Status, depStatuses)

	rows, err := tx.Query(`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies: %w", err)
	}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			rows.Close()
			return nil, err
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(`SELECT task_id FROM tasks WHERE parent_task = ? ORDER BY created_at, task_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading children: %w", err)
	}
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			rows.Close()
			return nil, err
		}
		t.ChildTasks = append(t.ChildTasks, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(`SELECT author, body, created_at FROM task_notes WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading notes: %w", err)
	}
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.Author, &n.Body, &created); err != nil {
			rows.Close()
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(storage.TimeFormat, created)
		t.Notes = append(t.Notes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return t, tx.Commit()
}

func loadTx(tx *sql.Tx, taskID string) (*Task, error) {
	var t Task
	var assigned, parent sql.NullString
	var status, priority, created, updated string
	err := tx.QueryRow(`
		SELECT task_id, title, description, status, priority, created_by, assigned_to, parent_task, version, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID).Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority, &t.CreatedBy,
		&assigned, &parent, &t.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fault.Validationf("unknown task %q", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading task %q: %v", fault.ErrUnavailable, taskID, err)
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.AssignedTo = assigned.String
	t.ParentTask = parent.String
	t.CreatedAt, _ = time.Parse(storage.TimeFormat, created)
	t.UpdatedAt, _ = time.Parse(storage.TimeFormat, updated)
	return &t, nil
}

// depStatusesTx returns the statuses of taskID's dependencies and the
// ids of those not yet completed.
func depStatusesTx(tx *sql.Tx, taskID string) ([]Status, []string, error) {
	rows, err := tx.Query(`
		SELECT d.depends_on, t.status FROM task_deps d
		JOIN tasks t ON t.task_id = d.depends_on
		WHERE d.task_id = ? ORDER BY d.depends_on`, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading dependency statuses: %w", err)
	}
	defer rows.Close()

	var statuses []Status
	var incomplete []string
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, nil, err
		}
		statuses = append(statuses, Status(st))
		if Status(st) != StatusCompleted {
			incomplete = append(incomplete, id)
		}
	}
	return statuses, incomplete, rows.Err()
}

func edgesTx(tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.Query(`SELECT task_id, depends_on FROM task_deps`)
	if err != nil {
		return nil, fmt.Errorf("loading dependency edges: %w", err)
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		adj[from] = append(adj[from], to)
	}
	return adj, rows.Err()
}

func existsTx(tx *sql.Tx, taskID string) error {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return fmt.Errorf("%w: checking task %q: %v", fault.ErrUnavailable, taskID, err)
	}
	if n == 0 {
		return fault.Validationf("unknown task %q", taskID)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
