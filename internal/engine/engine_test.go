package engine_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

const (
	adminID     int64 = 1
	developerID int64 = 2
	assigneeID  int64 = 5
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, zerolog.Nop())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	if _, err := eng.Repo.SeedCatalog(ctx, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env := testEnv{Engine: eng, Ctx: ctx}
	env.grant(t, adminID, "admin", nil)
	return env
}

func (env testEnv) grant(t *testing.T, userID int64, roleName string, projectID *int64) {
	t.Helper()
	role, err := env.Engine.Repo.GetRoleByName(env.Ctx, roleName)
	if err != nil {
		t.Fatalf("role %s: %v", roleName, err)
	}
	b := domain.RoleBinding{UserID: userID, RoleID: role.ID, ScopeType: domain.ScopeGlobal}
	if projectID != nil {
		b.ScopeType = domain.ScopeProject
		b.ScopeID = projectID
	}
	if _, err := env.Engine.Repo.GrantRole(env.Ctx, b); err != nil {
		t.Fatalf("grant %s: %v", roleName, err)
	}
}

func (env testEnv) task(t *testing.T, projectID int64, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:   &projectID,
		Title:       title,
		AssigneeIDs: []int64{assigneeID},
		ActorID:     adminID,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) get(t *testing.T, id int64) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task
}

func (env testEnv) statusID(t *testing.T, name string) int64 {
	t.Helper()
	st, err := env.Engine.Repo.GetTaskStatusByName(env.Ctx, name)
	if err != nil {
		t.Fatalf("status %s: %v", name, err)
	}
	return st.ID
}

func (env testEnv) complete(t *testing.T, id int64) engine.StatusUpdateResult {
	t.Helper()
	completed := env.statusID(t, "Completed")
	res, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: id, StatusID: &completed, ActorID: adminID})
	if err != nil {
		t.Fatalf("complete %d: %v", id, err)
	}
	return res
}

func (env testEnv) outgoing(t *testing.T, id int64) []int64 {
	t.Helper()
	ids, err := env.Engine.Repo.ListOutgoing(env.Ctx, env.Engine.DB, id)
	if err != nil {
		t.Fatalf("outgoing %d: %v", id, err)
	}
	return ids
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	err := env.Engine.AddDependency(env.Ctx, a.ID, a.ID, adminID)
	if !errors.Is(err, engine.ErrSelfDependency) {
		t.Fatalf("expected self dependency, got %v", err)
	}
	// Rejected before authorization.
	err = env.Engine.AddDependency(env.Ctx, a.ID, a.ID, 999)
	if !errors.Is(err, engine.ErrSelfDependency) {
		t.Fatalf("expected self dependency for unprivileged user, got %v", err)
	}
}

func TestAddDependencyRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID)
	if !errors.Is(err, engine.ErrDuplicateEdge) {
		t.Fatalf("expected duplicate edge, got %v", err)
	}
	if deps := env.outgoing(t, a.ID); len(deps) != 1 || deps[0] != b.ID {
		t.Fatalf("graph changed: %v", deps)
	}
}

func TestAddDependencyMissingTask(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, 4242, adminID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, 4242, a.ID, adminID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, b.ID, c.ID, adminID); err != nil {
		t.Fatal(err)
	}
	// direct reverse
	if err := env.Engine.AddDependency(env.Ctx, b.ID, a.ID, adminID); !errors.Is(err, engine.ErrWouldCreateCycle) {
		t.Fatalf("expected cycle for reverse edge, got %v", err)
	}
	// transitive A->B->C->A
	if err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID, adminID); !errors.Is(err, engine.ErrWouldCreateCycle) {
		t.Fatalf("expected cycle for transitive edge, got %v", err)
	}
	if deps := env.outgoing(t, c.ID); len(deps) != 0 {
		t.Fatalf("graph changed after rejected edge: %v", deps)
	}
	if got := env.get(t, c.ID); got.Blocking() {
		t.Fatalf("rejected edge must not block C")
	}
}

func TestBlockingInvariant(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatalf("add: %v", err)
	}
	got := env.get(t, a.ID)
	if !got.Blocking() || got.Status != domain.StatusWaiting || !got.EngineBlocked {
		t.Fatalf("expected A blocked, got %+v", got)
	}
	if got.TaskStatus == nil || got.TaskStatus.Name != "Blocked" {
		t.Fatalf("expected dynamic Blocked status, got %+v", got.TaskStatus)
	}

	res := env.complete(t, b.ID)
	if res.Cascade == nil || len(res.Cascade.Unblocked) != 1 || res.Cascade.Unblocked[0] != a.ID {
		t.Fatalf("expected cascade to unblock A, got %+v", res.Cascade)
	}
	got = env.get(t, a.ID)
	if got.Blocking() || got.Status != domain.StatusPending || got.TaskStatusID != nil || got.EngineBlocked {
		t.Fatalf("expected A neutral unblocked, got %+v", got)
	}
}

func TestAddDependencyOnResolvedTaskDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	env.complete(t, b.ID)
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if env.get(t, a.ID).Blocking() {
		t.Fatalf("dependency on completed task must not block")
	}
}

func TestBlockingFallsBackToLegacyWaiting(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.SetTaskStatusActive(env.Ctx, env.statusID(t, "Blocked"), false); err != nil {
		t.Fatal(err)
	}
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	got := env.get(t, a.ID)
	if got.Status != domain.StatusWaiting || got.TaskStatusID != nil || !got.Blocking() {
		t.Fatalf("expected legacy waiting, got %+v", got)
	}
}

func TestCascadeIsOneHop(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, b.ID, c.ID, adminID); err != nil {
		t.Fatal(err)
	}

	env.complete(t, c.ID)
	if !env.get(t, a.ID).Blocking() {
		t.Fatalf("A must stay blocked while B is incomplete")
	}
	if env.get(t, b.ID).Blocking() {
		t.Fatalf("B should be unblocked once C is complete")
	}

	env.complete(t, b.ID)
	if env.get(t, a.ID).Blocking() {
		t.Fatalf("A should be unblocked after B and C complete")
	}
}

func TestOnTaskCompletedWithLegacyStatus(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	// Write "completed" directly, then notify the engine like an outside flow would.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET status='completed', task_status_id=NULL WHERE id=?`, b.ID); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.OnTaskCompleted(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("on completed: %v", err)
	}
	if len(res.Unblocked) != 1 || len(res.Failures) != 0 {
		t.Fatalf("unexpected cascade result %+v", res)
	}
	if env.get(t, a.ID).Blocking() {
		t.Fatalf("A should be unblocked")
	}
}

func TestOnTaskCompletedIgnoresUnresolvedTask(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.OnTaskCompleted(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Evaluated) != 0 || !env.get(t, a.ID).Blocking() {
		t.Fatalf("unresolved task must not cascade: %+v", res)
	}
}

func TestRemoveDependencyUnblocksWhenClear(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	for _, dep := range []int64{b.ID, c.ID} {
		if err := env.Engine.AddDependency(env.Ctx, a.ID, dep, adminID); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Engine.RemoveDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if !env.get(t, a.ID).Blocking() {
		t.Fatalf("A still depends on C")
	}
	if err := env.Engine.RemoveDependency(env.Ctx, a.ID, c.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if env.get(t, a.ID).Blocking() {
		t.Fatalf("A has no dependencies left")
	}
	if err := env.Engine.RemoveDependency(env.Ctx, a.ID, c.ID, adminID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found for missing edge, got %v", err)
	}
}

func TestRemoveDependencyLeavesUserStatus(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	inProgress := env.statusID(t, "In Progress")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: a.ID, StatusID: &inProgress, ActorID: adminID}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	got := env.get(t, a.ID)
	if got.TaskStatusID == nil || *got.TaskStatusID != inProgress {
		t.Fatalf("manual status must survive edge removal, got %+v", got)
	}
}

func TestListBlockingDependencies(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	for _, dep := range []int64{b.ID, c.ID} {
		if err := env.Engine.AddDependency(env.Ctx, a.ID, dep, adminID); err != nil {
			t.Fatal(err)
		}
	}
	env.complete(t, b.ID)
	deps, err := env.Engine.ListBlockingDependencies(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].ID != c.ID || deps[0].Title != "C" {
		t.Fatalf("unexpected blocking deps %+v", deps)
	}
	if _, err := env.Engine.ListBlockingDependencies(env.Ctx, 4242); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDependencyPermissionIsProjectScoped(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, developerID, "developer", nil)
	a := env.task(t, 7, "A")
	b := env.task(t, 7, "B")

	err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, developerID)
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if deps := env.outgoing(t, a.ID); len(deps) != 0 {
		t.Fatalf("denied call changed graph: %v", deps)
	}

	other := int64(8)
	env.grant(t, developerID, "team_lead", &other)
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, developerID); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("binding on project 8 must not apply to project 7, got %v", err)
	}

	project := int64(7)
	env.grant(t, developerID, "team_lead", &project)
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, developerID); err != nil {
		t.Fatalf("expected allowed after project grant, got %v", err)
	}
}

func TestRepairUnblocksMissedDependents(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID, adminID); err != nil {
		t.Fatal(err)
	}
	// Complete B without running the cascade.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET status='completed', task_status_id=NULL WHERE id=?`, b.ID); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Repair(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Scanned != 2 || len(rep.Unblocked) != 1 || rep.Unblocked[0] != a.ID {
		t.Fatalf("unexpected repair report %+v", rep)
	}
	if !env.get(t, c.ID).Blocking() {
		t.Fatalf("C still waits on A")
	}
}

func TestManualUnblock(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, developerID, "developer", nil)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ManualUnblock(env.Ctx, a.ID, developerID); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, err := env.Engine.ManualUnblock(env.Ctx, a.ID, adminID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Blocking() || got.Status != domain.StatusPending {
		t.Fatalf("expected unblocked, got %+v", got)
	}
	if deps := env.outgoing(t, a.ID); len(deps) != 1 {
		t.Fatalf("manual unblock must keep edges: %v", deps)
	}
}

func TestDeleteTaskReevaluatesDependents(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.DeleteTask(env.Ctx, b.ID, adminID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Unblocked) != 1 || res.Unblocked[0] != a.ID {
		t.Fatalf("unexpected cascade %+v", res)
	}
	if deps := env.outgoing(t, a.ID); len(deps) != 0 {
		t.Fatalf("edges should cascade on delete: %v", deps)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, b.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected deleted task gone, got %v", err)
	}
}

func TestUpdateTaskStatusValidation(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: a.ID, ActorID: adminID}); !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	missing := int64(999)
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: a.ID, StatusID: &missing, ActorID: adminID}); !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status for unknown id, got %v", err)
	}
	res, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: a.ID, Status: "Completed", ActorID: adminID})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Task.Resolved() || res.Task.CompletedAt == nil {
		t.Fatalf("expected legacy completed, got %+v", res.Task)
	}
}

func TestEffectsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 3, "A")
	b := env.task(t, 3, "B")
	if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
		t.Fatal(err)
	}
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, assigneeID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected dependency_added and blocked notifications, got %d", len(notes))
	}
	for _, n := range notes {
		if n.LinkURL != "/dashboard/projects/3/tasks/1" {
			t.Fatalf("unexpected link %s", n.LinkURL)
		}
	}
	logs, err := env.Engine.Repo.ListActivity(env.Ctx, "task", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].ActionType != "DEPENDENCY_ADDED" || logs[1].ActionType != "TASK_BLOCKED" {
		t.Fatalf("unexpected audit trail %+v", logs)
	}
}

func TestUserChosenBlockedStatusSurvivesResolution(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	blocked := env.statusID(t, "Blocked")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.StatusUpdate{TaskID: a.ID, StatusID: &blocked, ActorID: adminID}); err != nil {
		t.Fatal(err)
	}
	for _, dep := range []int64{b.ID, c.ID} {
		if err := env.Engine.AddDependency(env.Ctx, a.ID, dep, adminID); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.get(t, a.ID); got.EngineBlocked {
		t.Fatalf("user-chosen status must not become engine-owned: %+v", got)
	}

	res := env.complete(t, b.ID)
	if res.Cascade == nil || len(res.Cascade.Unblocked) != 0 {
		t.Fatalf("cascade must not unblock a user-chosen status, got %+v", res.Cascade)
	}
	if err := env.Engine.RemoveDependency(env.Ctx, a.ID, c.ID, adminID); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Repair(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unblocked) != 0 {
		t.Fatalf("repair must skip user-chosen status, got %+v", rep)
	}
	got := env.get(t, a.ID)
	if got.TaskStatusID == nil || *got.TaskStatusID != blocked || got.Status != domain.StatusWaiting {
		t.Fatalf("user-chosen Blocked status was overwritten: %+v", got)
	}
}

func TestRepeatedTransitionsWithinOneInstantAreAllRecorded(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return fixed }
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	for i := 0; i < 2; i++ {
		if err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
			t.Fatalf("add round %d: %v", i, err)
		}
		if err := env.Engine.RemoveDependency(env.Ctx, a.ID, b.ID, adminID); err != nil {
			t.Fatalf("remove round %d: %v", i, err)
		}
	}
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, assigneeID, false)
	if err != nil {
		t.Fatal(err)
	}
	// added, blocked, removed, unblocked per round
	if len(notes) != 8 {
		t.Fatalf("expected 8 notifications, got %d", len(notes))
	}
	logs, err := env.Engine.Repo.ListActivity(env.Ctx, "task", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 8 {
		t.Fatalf("expected 8 audit entries, got %d", len(logs))
	}
}

func TestConcurrentOpposingDependenciesNeverCommitCycle(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return fixed }
	for round := 0; round < 20; round++ {
		a := env.task(t, 1, "A")
		b := env.task(t, 1, "B")
		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, pair := range [][2]int64{{a.ID, b.ID}, {b.ID, a.ID}} {
			wg.Add(1)
			go func(i int, from, to int64) {
				defer wg.Done()
				<-start
				errs[i] = env.Engine.AddDependency(env.Ctx, from, to, adminID)
			}(i, pair[0], pair[1])
		}
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, engine.ErrWouldCreateCycle):
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("round %d: expected exactly one edge to commit, got %d (%v)", round, succeeded, errs)
		}
		if len(env.outgoing(t, a.ID))+len(env.outgoing(t, b.ID)) != 1 {
			t.Fatalf("round %d: cycle committed: A->%v B->%v", round, env.outgoing(t, a.ID), env.outgoing(t, b.ID))
		}
	}
}

func TestCascadeFailureIsCollectedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, 1, "A")
	b := env.task(t, 1, "B")
	c := env.task(t, 1, "C")
	for _, dependent := range []int64{a.ID, c.ID} {
		if err := env.Engine.AddDependency(env.Ctx, dependent, b.ID, adminID); err != nil {
			t.Fatal(err)
		}
	}
	// Make every write to A fail so its re-evaluation errors.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER reject_a BEFORE UPDATE ON tasks WHEN OLD.id = `+
		strconv.FormatInt(a.ID, 10)+` BEGIN SELECT RAISE(ABORT, 'task locked'); END`); err != nil {
		t.Fatal(err)
	}

	res := env.complete(t, b.ID)
	if res.Cascade == nil {
		t.Fatalf("expected cascade result")
	}
	if len(res.Cascade.Failures) != 1 || res.Cascade.Failures[0].DependentID != a.ID {
		t.Fatalf("expected one failure for A, got %+v", res.Cascade.Failures)
	}
	if len(res.Cascade.Unblocked) != 1 || res.Cascade.Unblocked[0] != c.ID {
		t.Fatalf("C should still be unblocked, got %+v", res.Cascade.Unblocked)
	}
	if !env.get(t, b.ID).Resolved() {
		t.Fatalf("completion of B must not be undone by a failed dependent")
	}
	if !env.get(t, a.ID).Blocking() {
		t.Fatalf("A should remain blocked after its step failed")
	}
	logs, err := env.Engine.Repo.ListActivity(env.Ctx, "task", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range logs {
		if l.ActionType == "CASCADE_FAILED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CASCADE_FAILED audit entry, got %+v", logs)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER reject_a`); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Repair(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unblocked) != 1 || rep.Unblocked[0] != a.ID {
		t.Fatalf("repair should pick up A, got %+v", rep)
	}
}
