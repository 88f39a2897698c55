package lock

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(db, t.TempDir(), 10*time.Minute, logger)
}

// setClock pins the manager clock and restores it on cleanup.
func setClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	orig := timeNow
	t.Cleanup(func() { timeNow = orig })
	current := at
	timeNow = func() time.Time { return current }
	return func(next time.Time) { current = next }
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"src/main.py", "src/main.py"},
		{"./src/main.py", "src/main.py"},
		{"/src/main.py", "src/main.py"},
		{"src/../src/main.py", "src/main.py"},
		{"  src/main.py  ", "src/main.py"},
		{".", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAcquire_FreePath(t *testing.T) {
	m := newTestManager(t)
	l, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.Path != "src/a.go" || l.AgentID != "w1" {
		t.Errorf("unexpected lock %+v", l)
	}
	if l.LeaseSeconds != 600 {
		t.Errorf("lease_seconds = %d, want default 600", l.LeaseSeconds)
	}
}

func TestAcquire_ConflictNamesHolder(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	_, err := m.Acquire("src/a.go", "w2", "s2", OpEditing, 0)
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if !strings.Contains(err.Error(), "w1") {
		t.Errorf("conflict error %q does not name the holder", err)
	}
}

func TestAcquire_EquivalentPathsContend(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire("./src/a.go", "w2", "s2", OpEditing, 0); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("normalized duplicate path granted: %v", err)
	}
}

func TestAcquire_IdempotentReentryExtendsLease(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	first, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	advance(base.Add(30 * time.Second))
	second, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, time.Minute)
	if err != nil {
		t.Fatalf("re-entry rejected: %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("lease not extended: first expiry %v, second %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestAcquire_DifferentSessionSameAgentConflicts(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire("src/a.go", "w1", "s-other", OpEditing, 0); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("stale-session re-entry granted: %v", err)
	}
}

func TestAcquire_ExpiredLockReclaimed(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	advance(base.Add(2 * time.Minute))

	l, err := m.Acquire("src/a.go", "w2", "s2", OpEditing, time.Minute)
	if err != nil {
		t.Fatalf("expired lock not reclaimed: %v", err)
	}
	if l.AgentID != "w2" {
		t.Errorf("holder = %q, want w2", l.AgentID)
	}
}

func TestAcquire_Validation(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("", "w1", "s1", OpEditing, 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("empty path: error = %v, want ErrValidation", err)
	}
	if _, err := m.Acquire("src/a.go", "", "s1", OpEditing, 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("empty agent: error = %v, want ErrValidation", err)
	}
}

func TestAcquire_FailsOpenWhenStoreUnreachable(t *testing.T) {
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(db, t.TempDir(), time.Minute, logger)
	db.Close()

	l, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0)
	if err != nil {
		t.Fatalf("degraded store did not fail open: %v", err)
	}
	if l == nil || l.AgentID != "w1" {
		t.Errorf("unexpected lock %+v", l)
	}
}

func TestAcquire_ConcurrentSinglePathOneWinner(t *testing.T) {
	m := newTestManager(t)

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire("src/shared.go", agentName(i), "s1", OpEditing, time.Minute)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, fault.ErrConflict):
		default:
			t.Errorf("contender %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func agentName(i int) string {
	return string(rune('a'+i)) + "-agent"
}

func TestRelease(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := m.Release("src/a.go", "w2", "s2"); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("foreign release: error = %v, want ErrConflict", err)
	}
	if err := m.Release("src/a.go", "w1", "s1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := m.Release("src/a.go", "w1", "s1"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("double release: error = %v, want ErrValidation", err)
	}

	// The path is immediately reacquirable by the other agent.
	if _, err := m.Acquire("src/a.go", "w2", "s2", OpEditing, 0); err != nil {
		t.Errorf("reacquire after release failed: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire("src/b.go", "w2", "s2", OpEditing, time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	advance(base.Add(5 * time.Minute))
	swept, err := m.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	inv, err := m.Inventory()
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(inv) != 1 || inv[0].Path != "src/b.go" {
		t.Errorf("inventory = %+v, want only src/b.go", inv)
	}
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(t)
	for _, p := range []string{"a.go", "b.go", "c.go"} {
		if _, err := m.Acquire(p, "w1", "s1", OpEditing, 0); err != nil {
			t.Fatalf("Acquire(%s) failed: %v", p, err)
		}
	}
	if _, err := m.Acquire("d.go", "w2", "s2", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	n, err := m.ReleaseAll("w1")
	if err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	if n != 3 {
		t.Errorf("released = %d, want 3", n)
	}
	inv, err := m.Inventory()
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(inv) != 1 || inv[0].AgentID != "w2" {
		t.Errorf("inventory = %+v, want only w2's lock", inv)
	}
}

func TestHolder(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	h, err := m.Holder("src/a.go")
	if err != nil || h != nil {
		t.Fatalf("free path: holder = %+v, err = %v", h, err)
	}

	if _, err := m.Acquire("src/a.go", "w1", "s1", OpReading, time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h, err = m.Holder("src/a.go")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if h == nil || h.AgentID != "w1" || h.Operation != OpReading {
		t.Errorf("holder = %+v", h)
	}

	// An expired lease reads as free.
	advance(base.Add(time.Hour))
	h, err = m.Holder("src/a.go")
	if err != nil || h != nil {
		t.Errorf("expired path: holder = %+v, err = %v", h, err)
	}
}

func TestMirrorFiles(t *testing.T) {
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(db, dir, time.Minute, logger)

	if _, err := m.Acquire("src/deep/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mirror := filepath.Join(dir, "src__deep__a.go.lock")
	data, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("mirror file missing: %v", err)
	}
	if !strings.Contains(string(data), `"agent_id": "w1"`) {
		t.Errorf("mirror content missing holder: %s", data)
	}

	if err := m.Release("src/deep/a.go", "w1", "s1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(mirror); !os.IsNotExist(err) {
		t.Errorf("mirror file not removed after release: %v", err)
	}
}

func TestRelease_AppendsActivityLog(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("src/a.go", "w1", "s1", OpEditing, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Release("src/a.go", "w1", "s1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	var n int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM activity_log WHERE agent_id = ? AND path = ?`, "w1", "src/a.go").Scan(&n)
	if err != nil {
		t.Fatalf("querying activity log: %v", err)
	}
	if n != 1 {
		t.Errorf("activity rows = %d, want 1", n)
	}
}

