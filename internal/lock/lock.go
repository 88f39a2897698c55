// Package lock implements the path-scoped, time-leased file lock
// manager that gates file mutations across agents.
//
// Each lock is a lease: it names the holding agent and session and
// expires on its own, so a crashed agent can never permanently starve
// a path. Locks live in the shared SQLite store and are mirrored as
// JSON files under the locks directory for out-of-process inspection.
package lock

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

// timeNow is a package-level var to allow test injection.
var timeNow = time.Now

// Operation describes why a path is locked.
type Operation string

const (
	OpEditing Operation = "editing"
	OpReading Operation = "reading"
)

// FileLock is one granted lease. The JSON field set is exactly what
// the mirror .lock files carry.
type FileLock struct {
	Path         string    `json:"path"`
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id"`
	Operation    Operation `json:"operation"`
	LockedAt     time.Time `json:"locked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LeaseSeconds int       `json:"lease_seconds"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the lease time left at the given instant, floored
// at zero.
func (l FileLock) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// NormalizePath reduces a file path to its canonical lock key:
// slash-separated, cleaned, with any leading "./" or "/" stripped, so
// "src/x.py", "./src/x.py" and "src/../src/x.py" all contend on the
// same lock.
func NormalizePath(p string) string {
	key := path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
	key = strings.TrimPrefix(key, "/")
	if key == "." {
		return ""
	}
	return key
}

// Manager grants and revokes leases. All mutations run under one
// mutex: acquisition is an atomic check-and-set, never a wait.
type Manager struct {
	mu           sync.Mutex
	db           *sql.DB
	locksDir     string
	defaultLease time.Duration
	logger       *slog.Logger
}

// NewManager creates a lock manager over the shared database. The
// locks directory is created on demand; mirror failures are logged,
// never fatal.
func NewManager(db *sql.DB, locksDir string, defaultLease time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, locksDir: locksDir, defaultLease: defaultLease, logger: logger}
}

// DefaultLease returns the lease used when a caller does not name one.
func (m *Manager) DefaultLease() time.Duration {
	return m.defaultLease
}

// Acquire attempts to take the lock on p for agentID/sessionID.
//
// Outcomes:
//   - free path: granted.
//   - expired lock: silently reclaimed and granted to the requester.
//   - held by the same agent and session: granted again, lease extended.
//   - held by another agent: fault.ErrConflict naming the holder and
//     the remaining lease.
//   - lock store unreachable: fail open, granted with a warning,
//     because availability of work beats strict exclusion when the
//     store is already degraded.
//
// Acquire never blocks waiting for a lease; callers retry with their
// own backoff.
func (m *Manager) Acquire(p, agentID, sessionID string, op Operation, lease time.Duration) (*FileLock, error) {
	if agentID == "" || sessionID == "" {
		return nil, fault.Validationf("agent_id and session_id are required")
	}
	key := NormalizePath(p)
	if key == "" {
		return nil, fault.Validationf("empty path")
	}
	if op == "" {
		op = OpEditing
	}
	if lease <= 0 {
		lease = m.defaultLease
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := timeNow().UTC()
	granted := &FileLock{
		Path:         key,
		AgentID:      agentID,
		SessionID:    sessionID,
		Operation:    op,
		LockedAt:     now,
		ExpiresAt:    now.Add(lease),
		LeaseSeconds: int(lease / time.Second),
	}

	existing, err := m.loadLocked(key)
	if err != nil {
		m.logger.Warn("lock store unreachable, failing open",
			"path", key, "agent", agentID, "error", err)
		m.writeMirror(granted)
		return granted, nil
	}

	if existing != nil && !existing.Expired(now) {
		if existing.AgentID == agentID && existing.SessionID == sessionID {
			// Idempotent re-entry: same holder, lease extended.
			if err := m.saveLocked(granted); err != nil {
				m.logger.Warn("lock store unreachable on re-entry, failing open",
					"path", key, "agent", agentID, "error", err)
			}
			m.writeMirror(granted)
			return granted, nil
		}
		return nil, fault.Conflictf("path %q is locked by agent %q for %s more",
			key, existing.AgentID, existing.Remaining(now).Round(time.Second))
	}

	if existing != nil {
		// Expired lease: reclaimed silently, prior holder loses it.
		m.logger.Info("reclaiming expired lock",
			"path", key, "previous_agent", existing.AgentID, "agent", agentID)
	}
	if err := m.saveLocked(granted); err != nil {
		m.logger.Warn("lock store unreachable, failing open",
			"path", key, "agent", agentID, "error", err)
	}
	m.writeMirror(granted)
	return granted, nil
}

// Release drops the lock on p. The caller must be the current holder
// with a matching session; releasing a free path is a validation
// error, and releasing someone else's lock is a conflict.
func (m *Manager) Release(p, agentID, sessionID string) error {
	key := NormalizePath(p)
	if key == "" {
		return fault.Validationf("empty path")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.loadLocked(key)
	if err != nil {
		return fmt.Errorf("loading lock %q: %w", key, err)
	}
	if existing == nil {
		return fault.Validationf("path %q is not locked", key)
	}
	if existing.AgentID != agentID || existing.SessionID != sessionID {
		return fault.Conflictf("path %q is held by agent %q, not %q",
			key, existing.AgentID, agentID)
	}

	if err := m.deleteLocked(key); err != nil {
		return fmt.Errorf("releasing lock %q: %w", key, err)
	}
	m.removeMirror(key)
	m.logActivity(agentID, string(existing.Operation), key, existing.LeaseSeconds)
	return nil
}

// SweepExpired removes every lock past its lease, regardless of
// holder. It is run periodically so a path becomes acquirable again
// even if nobody ever re-requests it. Returns the number swept.
func (m *Manager) SweepExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := timeNow().UTC().Format(storage.TimeFormat)
	rows, err := m.db.Query(`SELECT path, agent_id, operation, lease_seconds FROM locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired locks: %w", err)
	}
	type expired struct {
		path, agent, op string
		lease           int
	}
	var victims []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.path, &e.agent, &e.op, &e.lease); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expired lock: %w", err)
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating expired locks: %w", err)
	}

	for _, v := range victims {
		if err := m.deleteLocked(v.path); err != nil {
			return 0, fmt.Errorf("sweeping lock %q: %w", v.path, err)
		}
		m.removeMirror(v.path)
		m.logActivity(v.agent, "expired", v.path, v.lease)
	}
	return len(victims), nil
}

// ReleaseAll drops every lock held by agentID. Used by agent
// termination so no lease outlives its holder's authority.
func (m *Manager) ReleaseAll(agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT path, operation, lease_seconds FROM locks WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("listing locks for %q: %w", agentID, err)
	}
	type held struct {
		path, op string
		lease    int
	}
	var all []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.path, &h.op, &h.lease); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning lock: %w", err)
		}
		all = append(all, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating locks: %w", err)
	}

	for _, h := range all {
		if err := m.deleteLocked(h.path); err != nil {
			return 0, fmt.Errorf("releasing lock %q: %w", h.path, err)
		}
		m.removeMirror(h.path)
		m.logActivity(agentID, "released_on_terminate", h.path, h.lease)
	}
	return len(all), nil
}

// Holder returns the current unexpired lock on p, or nil if the path
// is free (or only holds an expired lease).
func (m *Manager) Holder(p string) (*FileLock, error) {
	key := NormalizePath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.loadLocked(key)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(timeNow().UTC()) {
		return nil, nil
	}
	return l, nil
}

// Inventory lists every unexpired lock, ordered by path.
func (m *Manager) Inventory() ([]FileLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT path, agent_id, session_id, operation, locked_at, expires_at, lease_seconds FROM locks ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	defer rows.Close()

	now := timeNow().UTC()
	var out []FileLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	return out, rows.Err()
}

// --- storage plumbing (callers hold m.mu) ---

func (m *Manager) loadLocked(key string) (*FileLock, error) {
	row := m.db.QueryRow(`SELECT path, agent_id, session_id, operation, locked_at, expires_at, lease_seconds FROM locks WHERE path = ?`, key)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (m *Manager) saveLocked(l *FileLock) error {
	_, err := m.db.Exec(`
		INSERT INTO locks (path, agent_id, session_id, operation, locked_at, expires_at, lease_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			agent_id = excluded.agent_id,
			session_id = excluded.session_id,
			operation = excluded.operation,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at,
			lease_seconds = excluded.lease_seconds`,
		l.Path, l.AgentID, l.SessionID, string(l.Operation),
		l.LockedAt.Format(storage.TimeFormat), l.ExpiresAt.Format(storage.TimeFormat), l.LeaseSeconds)
	return err
}

func (m *Manager) deleteLocked(key string) error {
	_, err := m.db.Exec(`DELETE FROM locks WHERE path = ?`, key)
	return err
}

func (m *Manager) logActivity(agentID, op, key string, leaseSeconds int) {
	_, err := m.db.Exec(`INSERT INTO activity_log (agent_id, operation, path, created_at, lease_seconds) VALUES (?, ?, ?, ?, ?)`,
		agentID, op, key, timeNow().UTC().Format(storage.TimeFormat), leaseSeconds)
	if err != nil {
		m.logger.Warn("activity log append failed", "path", key, "error", err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(s scanner) (*FileLock, error) {
	var l FileLock
	var op, lockedAt, expiresAt string
	if err := s.Scan(&l.Path, &l.AgentID, &l.SessionID, &op, &lockedAt, &expiresAt, &l.LeaseSeconds); err != nil {
		return nil, err
	}
	l.Operation = Operation(op)
	var err error
	if l.LockedAt, err = time.Parse(storage.TimeFormat, lockedAt); err != nil {
		return nil, fmt.Errorf("parsing locked_at: %w", err)
	}
	if l.ExpiresAt, err = time.Parse(storage.TimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &l, nil
}

// --- mirror files ---

// MirrorPath returns the .lock file for a normalized lock key.
func (m *Manager) MirrorPath(key string) string {
	flat := strings.NewReplacer("/", "__", ":", "_").Replace(key)
	return filepath.Join(m.locksDir, flat+".lock")
}

func (m *Manager) writeMirror(l *FileLock) {
	if m.locksDir == "" {
		return
	}
	if err := os.MkdirAll(m.locksDir, 0o755); err != nil {
		m.logger.Warn("creating locks directory failed", "error", err)
		return
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		m.logger.Warn("encoding lock mirror failed", "path", l.Path, "error", err)
		return
	}
	if err := os.WriteFile(m.MirrorPath(l.Path), data, 0o644); err != nil {
		m.logger.Warn("writing lock mirror failed", "path", l.Path, "error", err)
	}
}

func (m *Manager) removeMirror(key string) {
	if m.locksDir == "" {
		return
	}
	if err := os.Remove(m.MirrorPath(key)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("removing lock mirror failed", "path", key, "error", err)
	}
}
