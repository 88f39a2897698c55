package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/herdwork/corral/internal/auth"
	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

// timeNow is a package-level var to allow test injection.
var timeNow = time.Now

// Store is the agent registry over the shared database. It implements
// auth.Directory and task.AgentDirectory.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	locks     LockReleaser
	tasks     TaskBinder
	sessions  SessionManager
	maxActive int
	logger    *slog.Logger
}

// Options configures a Store.
type Options struct {
	Locks     LockReleaser
	Tasks     TaskBinder
	Sessions  SessionManager
	MaxActive int
	Logger    *slog.Logger
}

// NewStore creates the registry. MaxActive caps concurrently
// non-terminated agents.
func NewStore(db *sql.DB, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxActive < 1 {
		opts.MaxActive = 10
	}
	return &Store{
		db:        db,
		locks:     opts.Locks,
		tasks:     opts.Tasks,
		sessions:  opts.Sessions,
		maxActive: opts.MaxActive,
		logger:    opts.Logger,
	}
}

// SetTasks wires the task binder. The registry and the task store
// reference each other, so the composition root sets this after both
// exist.
func (s *Store) SetTasks(t TaskBinder) {
	s.tasks = t
}

// Create registers a new agent. Admin only. The agent id must be
// non-empty and not in use by a non-terminated agent, and taskIDs
// must name at least one existing task; an agent with no purpose is
// rejected. On success the agent's execution environment is spawned,
// the tasks are bound, and the identity plus its fresh token is
// returned.
func (s *Store) Create(caller, agentID string, capabilities, taskIDs []string) (*Agent, error) {
	if !auth.IsAdmin(caller) {
		return nil, fault.Unauthorizedf("creating agents requires admin")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fault.Validationf("agent_id is required")
	}
	if agentID == auth.AdminIdentity {
		return nil, fault.Validationf("agent id %q is reserved", auth.AdminIdentity)
	}
	if len(taskIDs) == 0 {
		return nil, fault.Validationf("agent %q needs at least one task: create or assign its work first", agentID)
	}
	if s.tasks != nil {
		if err := s.tasks.ExistAll(taskIDs); err != nil {
			return nil, err
		}
	}

	a, err := s.insertAgent(agentID, capabilities, taskIDs)
	if err != nil {
		return nil, err
	}

	// Binding runs outside the registry mutex: AssignExisting calls
	// back into IsActiveAgent.
	if s.tasks != nil {
		if err := s.tasks.AssignExisting(auth.AdminIdentity, taskIDs, agentID); err != nil {
			// The agent exists but its work could not be bound; undo.
			s.mu.Lock()
			s.terminateLocked(a, "failed binding tasks")
			s.mu.Unlock()
			return nil, err
		}
	}
	return a, nil
}

// insertAgent performs the registry-side half of Create under the
// mutex: cap and uniqueness checks, token mint, session spawn, insert.
func (s *Store) insertAgent(agentID string, capabilities, taskIDs []string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.countLiveLocked()
	if err != nil {
		return nil, err
	}
	if active >= s.maxActive {
		return nil, fault.Validationf("active agent cap reached (%d): terminate an agent before creating %q", s.maxActive, agentID)
	}

	if live, err := s.liveByIDLocked(agentID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, fault.Validationf("agent id %q is already in use", agentID)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	color, err := s.nextColorLocked()
	if err != nil {
		return nil, err
	}

	workdir, handle, err := s.sessions.Spawn(agentID)
	if err != nil {
		return nil, fmt.Errorf("spawning session for %q: %w", agentID, err)
	}

	now := timeNow().UTC()
	ts := now.Format(storage.TimeFormat)
	a := &Agent{
		ID:               agentID,
		Token:            token,
		Capabilities:     capabilities,
		Status:           StatusActive,
		CurrentTask:      taskIDs[0],
		WorkingDirectory: workdir,
		SessionHandle:    handle,
		Color:            color,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActiveAt:     now,
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (token, agent_id, capabilities, status, current_task, working_directory, session_handle, color, created_at, updated_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token, agentID, encodeStrings(capabilities), string(StatusActive), taskIDs[0],
		workdir, handle, color, ts, ts, ts)
	if err != nil {
		if killErr := s.sessions.Kill(handle); killErr != nil {
			s.logger.Warn("killing session after failed insert", "agent", agentID, "error", killErr)
		}
		return nil, fmt.Errorf("%w: inserting agent: %v", fault.ErrUnavailable, err)
	}
	return a, nil
}

// Terminate retires an agent: status=terminated, locks bulk-released,
// task assignments cleared, session killed best effort. Unknown or
// already-terminated agents yield ErrNoOp.
func (s *Store) Terminate(caller, agentID string) error {
	if !auth.IsAdmin(caller) {
		return fault.Unauthorizedf("terminating agents requires admin")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.liveByIDLocked(agentID)
	if err != nil {
		return err
	}
	if live == nil {
		return fmt.Errorf("agent %q is unknown or already terminated: %w", agentID, ErrNoOp)
	}
	s.terminateLocked(live, "terminated by admin")
	return nil
}

// terminateLocked performs the termination side effects. Caller holds
// s.mu and has verified live is non-terminated.
func (s *Store) terminateLocked(live *Agent, reason string) {
	now := timeNow().UTC().Format(storage.TimeFormat)
	if _, err := s.db.Exec(`UPDATE agents SET status = ?, terminated_at = ?, updated_at = ? WHERE token = ?`,
		string(StatusTerminated), now, now, live.Token); err != nil {
		s.logger.Warn("marking agent terminated failed", "agent", live.ID, "error", err)
		return
	}
	if s.locks != nil {
		if n, err := s.locks.ReleaseAll(live.ID); err != nil {
			s.logger.Warn("releasing locks on terminate failed", "agent", live.ID, "error", err)
		} else if n > 0 {
			s.logger.Info("released locks on terminate", "agent", live.ID, "count", n)
		}
	}
	if s.tasks != nil {
		if _, err := s.tasks.UnassignAgent(live.ID); err != nil {
			s.logger.Warn("unassigning tasks on terminate failed", "agent", live.ID, "error", err)
		}
	}
	if s.sessions != nil && live.SessionHandle != "" {
		if err := s.sessions.Kill(live.SessionHandle); err != nil {
			s.logger.Warn("killing session on terminate failed", "agent", live.ID, "error", err)
		}
	}
	s.logger.Info("agent terminated", "agent", live.ID, "reason", reason)
}

// ListActive returns every non-terminated agent, ordered by creation.
// Tokens are redacted.
func (s *Store) ListActive() ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT token, agent_id, capabilities, status, current_task, working_directory, session_handle, color, created_at, updated_at, terminated_at, last_active_at
		FROM agents WHERE status NOT IN (?, ?, ?) ORDER BY created_at, agent_id`,
		string(StatusTerminated), string(StatusFailed), string(StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("%w: listing agents: %v", fault.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		a.Token = ""
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Get returns the latest incarnation of agentID, token redacted.
func (s *Store) Get(agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT token, agent_id, capabilities, status, current_task, working_directory, session_handle, color, created_at, updated_at, terminated_at, last_active_at
		FROM agents WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fault.Validationf("unknown agent %q", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading agent %q: %v", fault.ErrUnavailable, agentID, err)
	}
	a.Token = ""
	return a, nil
}

// SetCurrentTask records what the agent is working on now.
func (s *Store) SetCurrentTask(agentID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.liveByIDLocked(agentID)
	if err != nil {
		return err
	}
	if live == nil {
		return fault.Validationf("agent %q is unknown or terminated", agentID)
	}
	now := timeNow().UTC().Format(storage.TimeFormat)
	_, err = s.db.Exec(`UPDATE agents SET current_task = ?, updated_at = ? WHERE token = ?`, taskID, now, live.Token)
	if err != nil {
		return fmt.Errorf("%w: setting current task: %v", fault.ErrUnavailable, err)
	}
	return nil
}

// TouchActivity refreshes last_active_at for the holder of token.
// Called by the tool layer on every authenticated call; drives the
// idle reaper. Unknown tokens are ignored.
func (s *Store) TouchActivity(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow().UTC().Format(storage.TimeFormat)
	if _, err := s.db.Exec(`UPDATE agents SET last_active_at = ? WHERE token = ?`, now, token); err != nil {
		s.logger.Warn("touching agent activity failed", "error", err)
	}
}

// ReapIdle terminates every live agent with no tool activity inside
// the window. Driven by the background reaper; it walks the same
// Terminate path as an admin caller. Returns the agent ids reaped.
func (s *Store) ReapIdle(window time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := timeNow().UTC().Add(-window).Format(storage.TimeFormat)
	rows, err := s.db.Query(`
		SELECT token, agent_id, capabilities, status, current_task, working_directory, session_handle, color, created_at, updated_at, terminated_at, last_active_at
		FROM agents WHERE status NOT IN (?, ?, ?) AND last_active_at < ?`,
		string(StatusTerminated), string(StatusFailed), string(StatusCompleted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: listing idle agents: %v", fault.ErrUnavailable, err)
	}
	var idle []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		idle = append(idle, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reaped []string
	for _, a := range idle {
		s.terminateLocked(a, "idle window exceeded")
		reaped = append(reaped, a.ID)
	}
	return reaped, nil
}

// OwnerOfToken implements auth.Directory.
func (s *Store) OwnerOfToken(token string) (agentID string, terminated, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err = s.db.QueryRow(`SELECT agent_id, status FROM agents WHERE token = ?`, token).Scan(&agentID, &status)
	if err == sql.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("%w: resolving token: %v", fault.ErrUnavailable, err)
	}
	a := Agent{Status: Status(status)}
	return agentID, a.Terminated(), true, nil
}

// IsActiveAgent implements task.AgentDirectory.
func (s *Store) IsActiveAgent(agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.liveByIDLocked(agentID)
	if err != nil {
		return false, err
	}
	return live != nil, nil
}

// --- internals (callers hold s.mu) ---

func (s *Store) countLiveLocked() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE status NOT IN (?, ?, ?)`,
		string(StatusTerminated), string(StatusFailed), string(StatusCompleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: counting live agents: %v", fault.ErrUnavailable, err)
	}
	return n, nil
}

func (s *Store) liveByIDLocked(agentID string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT token, agent_id, capabilities, status, current_task, working_directory, session_handle, color, created_at, updated_at, terminated_at, last_active_at
		FROM agents WHERE agent_id = ? AND status NOT IN (?, ?, ?) LIMIT 1`,
		agentID, string(StatusTerminated), string(StatusFailed), string(StatusCompleted))
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading agent %q: %v", fault.ErrUnavailable, agentID, err)
	}
	return a, nil
}

// nextColorLocked cycles the palette by total incarnation count.
func (s *Store) nextColorLocked() (string, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return "", fmt.Errorf("%w: counting agents: %v", fault.ErrUnavailable, err)
	}
	return Palette[n%len(Palette)], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*Agent, error) {
	var a Agent
	var caps, status, created, updated, lastActive string
	var currentTask, terminated sql.NullString
	if err := sc.Scan(&a.Token, &a.ID, &caps, &status, &currentTask, &a.WorkingDirectory,
		&a.SessionHandle, &a.Color, &created, &updated, &terminated, &lastActive); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.CurrentTask = currentTask.String
	a.Capabilities = decodeStrings(caps)
	a.CreatedAt, _ = time.Parse(storage.TimeFormat, created)
	a.UpdatedAt, _ = time.Parse(storage.TimeFormat, updated)
	a.LastActiveAt, _ = time.Parse(storage.TimeFormat, lastActive)
	if terminated.Valid {
		if t, err := time.Parse(storage.TimeFormat, terminated.String); err == nil {
			a.TerminatedAt = &t
		}
	}
	return &a, nil
}

// encodeStrings serializes a capability set as a JSON array column.
func encodeStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	data, _ := json.Marshal(ss)
	return string(data)
}

func decodeStrings(raw string) []string {
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil
	}
	return ss
}
