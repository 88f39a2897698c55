package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// DirSessionManager is the default SessionManager: it provisions a
// working directory per agent under a fixed root and hands back an
// opaque uuid session handle. A real deployment swaps in a tmux (or
// equivalent) backed implementation behind the same interface.
type DirSessionManager struct {
	mu   sync.Mutex
	root string
	// dirs maps session handles to their working directories so Kill
	// can clean up.
	dirs map[string]string
}

// NewDirSessionManager creates a session manager rooted at root.
func NewDirSessionManager(root string) *DirSessionManager {
	return &DirSessionManager{root: root, dirs: make(map[string]string)}
}

// Spawn creates the agent's working directory and returns it with a
// fresh session handle.
func (m *DirSessionManager) Spawn(agentID string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := uuid.NewString()
	dir := filepath.Join(m.root, fmt.Sprintf("%s-%s", agentID, handle[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating working directory for %q: %w", agentID, err)
	}
	m.dirs[handle] = dir
	return dir, handle, nil
}

// Kill forgets the session. The working directory is left in place;
// it may hold uncommitted work worth inspecting after termination.
func (m *DirSessionManager) Kill(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dirs[handle]; !ok {
		return fmt.Errorf("unknown session handle %q", handle)
	}
	delete(m.dirs, handle)
	return nil
}
