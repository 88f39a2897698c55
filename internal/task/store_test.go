package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

// fakeAgents marks a fixed set of agent ids as active.
type fakeAgents struct {
	active map[string]bool
}

func (f *fakeAgents) IsActiveAgent(id string) (bool, error) {
	return f.active[id], nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	s.SetAgents(&fakeAgents{active: map[string]bool{"w1": true, "w2": true}})
	return s
}

// setClock pins the store clock and restores it on cleanup.
func setClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	orig := timeNow
	t.Cleanup(func() { timeNow = orig })
	current := at
	timeNow = func() time.Time { return current }
	return func(next time.Time) { current = next }
}

func mustCreate(t *testing.T, s *Store, caller string, p CreateParams) *Task {
	t.Helper()
	task, err := s.Create(caller, p)
	if err != nil {
		t.Fatalf("Create(%q, %q) failed: %v", caller, p.Title, err)
	}
	return task
}

func TestCreate_Root(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "project root"})
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != PriorityMedium {
		t.Errorf("priority = %s, want default medium", task.Priority)
	}
	if task.Version != 1 {
		t.Errorf("version = %d, want 1", task.Version)
	}
	if task.CreatedBy != "admin" {
		t.Errorf("created_by = %q, want admin", task.CreatedBy)
	}
}

func TestCreate_TitleRequired(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("admin", CreateParams{Title: "   "}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("blank title: error = %v, want ErrValidation", err)
	}
}

func TestCreate_UnknownParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("admin", CreateParams{Title: "orphan", ParentTaskID: "no-such-task"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unknown parent: error = %v, want ErrValidation", err)
	}
}

func TestCreate_AgentBootstrapRoot(t *testing.T) {
	s := newTestStore(t)
	// With no root anywhere, a plain agent may bootstrap one.
	task := mustCreate(t, s, "w1", CreateParams{Title: "bootstrap"})
	if task.ParentTask != "" {
		t.Errorf("parent = %q, want root", task.ParentTask)
	}
}

func TestCreate_SecondRootRejectedWithGuidance(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	root := mustCreate(t, s, "admin", CreateParams{Title: "project root"})
	advance(base.Add(time.Minute))
	mine := mustCreate(t, s, "w1", CreateParams{Title: "my feature", ParentTaskID: root.ID})

	advance(base.Add(2 * time.Minute))
	_, err := s.Create("w1", CreateParams{Title: "stray root"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("rootless create: error = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), mine.ID) {
		t.Errorf("guidance %q does not name the caller's most recent task %s", err, mine.ID)
	}

	// Admin may still create roots freely.
	if _, err := s.Create("admin", CreateParams{Title: "second root"}); err != nil {
		t.Errorf("admin root create failed: %v", err)
	}
}

func TestCreate_GuidanceFallsBackToRoot(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "admin", CreateParams{Title: "project root"})

	// w1 owns nothing, so the guidance names the root itself.
	_, err := s.Create("w1", CreateParams{Title: "stray"})
	if err == nil || !strings.Contains(err.Error(), root.ID) {
		t.Errorf("guidance %v does not name the root %s", err, root.ID)
	}
}

func TestCreate_UnknownDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("admin", CreateParams{Title: "t", DependsOn: []string{"ghost"}})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unknown dep: error = %v, want ErrValidation", err)
	}
	// Nothing partially written.
	tasks, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("rejected create left %d tasks behind", len(tasks))
	}
}

func TestCreate_DependenciesRecorded(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "admin", CreateParams{Title: "a"})
	b := mustCreate(t, s, "admin", CreateParams{Title: "b", ParentTaskID: a.ID})
	c := mustCreate(t, s, "admin", CreateParams{
		Title: "c", ParentTaskID: a.ID,
		DependsOn: []string{a.ID, b.ID, b.ID}, // duplicate collapses
	})
	if len(c.DependsOn) != 2 {
		t.Errorf("depends_on = %v, want 2 deduped entries", c.DependsOn)
	}

	parent, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(parent.ChildTasks) != 2 {
		t.Errorf("children of root = %v, want [b c]", parent.ChildTasks)
	}
}

func TestUpdateStatus_HappyPath(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "work"})

	got, err := s.UpdateStatus("admin", task.ID, StatusInProgress, "starting")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.Version != task.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, task.Version+1)
	}
	if len(got.Notes) != 1 || got.Notes[0].Body != "starting" || got.Notes[0].Author != "admin" {
		t.Errorf("notes = %+v, want the update note", got.Notes)
	}

	got, err = s.UpdateStatus("admin", task.ID, StatusCompleted, "")
	if err != nil {
		t.Fatalf("UpdateStatus → completed failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestUpdateStatus_IllegalTransition(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "work"})

	if _, err := s.UpdateStatus("admin", task.ID, StatusCompleted, ""); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("pending → completed: error = %v, want ErrValidation", err)
	}

	s.UpdateStatus("admin", task.ID, StatusCancelled, "")
	if _, err := s.UpdateStatus("admin", task.ID, StatusInProgress, ""); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("cancelled → in_progress: error = %v, want ErrValidation", err)
	}
}

func TestUpdateStatus_Authorization(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "admin", CreateParams{Title: "root"})
	task := mustCreate(t, s, "w1", CreateParams{Title: "mine", ParentTaskID: root.ID})

	if _, err := s.UpdateStatus("w2", task.ID, StatusInProgress, ""); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger update: error = %v, want ErrUnauthorized", err)
	}
	// Creator may update.
	if _, err := s.UpdateStatus("w1", task.ID, StatusInProgress, ""); err != nil {
		t.Errorf("creator update failed: %v", err)
	}

	// Assignee may update.
	other := mustCreate(t, s, "admin", CreateParams{Title: "assigned", ParentTaskID: root.ID})
	if err := s.AssignExisting("admin", []string{other.ID}, "w2"); err != nil {
		t.Fatalf("AssignExisting failed: %v", err)
	}
	if _, err := s.UpdateStatus("w2", other.ID, StatusInProgress, ""); err != nil {
		t.Errorf("assignee update failed: %v", err)
	}
}

func TestUpdateStatus_BlockedByDependencies(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "admin", CreateParams{Title: "root"})
	dep := mustCreate(t, s, "admin", CreateParams{Title: "dep", ParentTaskID: root.ID})
	task := mustCreate(t, s, "admin", CreateParams{Title: "gated", ParentTaskID: root.ID, DependsOn: []string{dep.ID}})

	// Starting with an open dependency is rejected, naming it.
	_, err := s.UpdateStatus("admin", task.ID, StatusInProgress, "")
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("gated start: error = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), dep.ID) {
		t.Errorf("rejection %q does not name the open dependency %s", err, dep.ID)
	}

	// The gated task reads as blocked while the dependency is open.
	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusBlocked {
		t.Errorf("effective status = %s, want blocked", got.Status)
	}

	// Completing the dependency unblocks it with no explicit clear.
	s.UpdateStatus("admin", dep.ID, StatusInProgress, "")
	s.UpdateStatus("admin", dep.ID, StatusCompleted, "")

	got, err = s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("effective status after dep completion = %s, want pending", got.Status)
	}
	if _, err := s.UpdateStatus("admin", task.ID, StatusInProgress, ""); err != nil {
		t.Errorf("start after deps complete failed: %v", err)
	}
}

func TestAssignExisting(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "work"})

	if err := s.AssignExisting("w1", []string{task.ID}, "w2"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("non-admin assign: error = %v, want ErrUnauthorized", err)
	}
	if err := s.AssignExisting("admin", nil, "w1"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("empty assign: error = %v, want ErrValidation", err)
	}
	if err := s.AssignExisting("admin", []string{task.ID}, "ghost"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unknown agent: error = %v, want ErrValidation", err)
	}
	if err := s.AssignExisting("admin", []string{"no-such"}, "w1"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unknown task: error = %v, want ErrValidation", err)
	}

	if err := s.AssignExisting("admin", []string{task.ID}, "w1"); err != nil {
		t.Fatalf("AssignExisting failed: %v", err)
	}
	got, _ := s.Get(task.ID)
	if got.AssignedTo != "w1" {
		t.Errorf("assigned_to = %q, want w1", got.AssignedTo)
	}
	if got.Version != task.Version+1 {
		t.Errorf("version = %d, want bumped to %d", got.Version, task.Version+1)
	}
}

func TestUnassignAgent(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "admin", CreateParams{Title: "a"})
	b := mustCreate(t, s, "admin", CreateParams{Title: "b", ParentTaskID: a.ID})
	done := mustCreate(t, s, "admin", CreateParams{Title: "done", ParentTaskID: a.ID})
	s.AssignExisting("admin", []string{a.ID, b.ID, done.ID}, "w1")
	s.UpdateStatus("admin", done.ID, StatusInProgress, "")
	s.UpdateStatus("admin", done.ID, StatusCompleted, "")

	n, err := s.UnassignAgent("w1")
	if err != nil {
		t.Fatalf("UnassignAgent failed: %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d, want 2 (terminal task keeps its record)", n)
	}
	got, _ := s.Get(done.ID)
	if got.AssignedTo != "w1" {
		t.Errorf("completed task lost its assignee: %q", got.AssignedTo)
	}
	got, _ = s.Get(a.ID)
	if got.AssignedTo != "" {
		t.Errorf("open task still assigned to %q", got.AssignedTo)
	}
}

func TestAppendNote(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "work"})

	if err := s.AppendNote("admin", task.ID, "  "); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("blank note: error = %v, want ErrValidation", err)
	}
	if err := s.AppendNote("w1", task.ID, "drive-by"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Errorf("stranger note: error = %v, want ErrUnauthorized", err)
	}

	for _, body := range []string{"first", "second"} {
		if err := s.AppendNote("admin", task.ID, body); err != nil {
			t.Fatalf("AppendNote(%q) failed: %v", body, err)
		}
	}
	got, _ := s.Get(task.ID)
	if len(got.Notes) != 2 || got.Notes[0].Body != "first" || got.Notes[1].Body != "second" {
		t.Errorf("notes = %+v, want append order preserved", got.Notes)
	}
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := setClock(t, base)

	root := mustCreate(t, s, "admin", CreateParams{Title: "root"})
	advance(base.Add(time.Second))
	child := mustCreate(t, s, "admin", CreateParams{Title: "child", ParentTaskID: root.ID})
	advance(base.Add(2 * time.Second))
	gated := mustCreate(t, s, "admin", CreateParams{Title: "gated", ParentTaskID: root.ID, DependsOn: []string{child.ID}})
	s.AssignExisting("admin", []string{child.ID}, "w1")

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d tasks, want 3", len(all))
	}
	if all[0].ID != root.ID || all[2].ID != gated.ID {
		t.Errorf("creation order not preserved: %v", []string{all[0].ID, all[1].ID, all[2].ID})
	}

	mine, _ := s.List(Filter{AssignedTo: "w1"})
	if len(mine) != 1 || mine[0].ID != child.ID {
		t.Errorf("assigned filter = %+v, want only child", mine)
	}

	kids, _ := s.List(Filter{Parent: root.ID})
	if len(kids) != 2 {
		t.Errorf("parent filter returned %d, want 2", len(kids))
	}

	// The status filter matches the effective status.
	blocked, _ := s.List(Filter{Status: StatusBlocked})
	if len(blocked) != 1 || blocked[0].ID != gated.ID {
		t.Errorf("blocked filter = %+v, want only gated", blocked)
	}
}

func TestGet_UnknownTask(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("ghost"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unknown id: error = %v, want ErrValidation", err)
	}
}

func TestExistAll(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "admin", CreateParams{Title: "work"})
	if err := s.ExistAll([]string{task.ID}); err != nil {
		t.Errorf("ExistAll on known id failed: %v", err)
	}
	if err := s.ExistAll([]string{task.ID, "ghost"}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("ExistAll with unknown id: error = %v, want ErrValidation", err)
	}
}
