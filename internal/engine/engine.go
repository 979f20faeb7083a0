package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/effects"
	"taskline/internal/engine/auth"
	"taskline/internal/graph"
	"taskline/internal/repo"
)

// SystemActorID performs changes that no user initiated, such as cascades
// triggered through OnTaskCompleted and repair sweeps.
const SystemActorID int64 = 0

// Permission keys checked by the engine. All are evaluated at the task's project scope.
const (
	PermDependencyCreate = "dependency.create"
	PermDependencyDelete = "dependency.delete"
	PermDependencyRead   = "dependency.read"
	PermManualUnblock    = "dependency.manual_unblock"
	PermTaskCreate       = "task.create"
	PermTaskRead         = "task.read"
	PermTaskChangeStatus = "task.change_status"
	PermTaskDelete       = "task.delete"
	PermLogView          = "log.view"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Effects effects.Dispatcher
	Config  *config.Config
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Store: r},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
	e.Effects = effects.Dispatcher{
		Translator: effects.Translator{TaskPath: cfg.Links.TaskPath},
		Notifier:   repo.NotificationStore{Repo: r},
		Audit:      repo.ActivityLog{Repo: r},
		Log:        log,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// AddDependency records that taskID depends on dependsOnID. The edge insert
// and the resulting status of taskID commit together; effects follow commit.
func (e Engine) AddDependency(ctx context.Context, taskID, dependsOnID, actorID int64) (err error) {
	defer func() { dependencyMutations.WithLabelValues("add", mutationResult(err)).Inc() }()
	if taskID == dependsOnID {
		return ErrSelfDependency
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, actorID, PermDependencyCreate, task.Scope()); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	dep, err := e.Repo.GetTaskTx(ctx, tx, dependsOnID)
	if err != nil {
		return err
	}
	exists, err := e.Repo.HasEdge(ctx, tx, taskID, dependsOnID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEdge
	}
	started := time.Now()
	cycle, err := graph.WouldCreateCycle(ctx, taskID, dependsOnID, func(ctx context.Context, id int64) ([]int64, error) {
		return e.Repo.ListOutgoing(ctx, tx, id)
	})
	cycleCheckDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("cycle check: %w", err)
	}
	if cycle {
		return ErrWouldCreateCycle
	}
	now := e.stamp()
	if err := e.Repo.AddEdge(ctx, tx, taskID, dependsOnID, now); err != nil {
		return err
	}

	blocked := false
	if !dep.Resolved() && !task.Blocking() {
		st, err := e.Repo.ActiveBlockingStatus(ctx, tx)
		if err != nil {
			return err
		}
		var statusID *int64
		if st != nil {
			statusID = &st.ID
		}
		if err := e.Repo.WriteTaskState(ctx, tx, taskID, domain.Blocked(statusID), now); err != nil {
			return err
		}
		blocked = true
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.dispatch(ctx, e.transition(task, effects.KindDependencyAdded, actorID, &dep, ""))
	if blocked {
		statusTransitions.WithLabelValues(domain.StateBlocked.String()).Inc()
		e.dispatch(ctx, e.transition(task, effects.KindBlocked, actorID, &dep, ""))
	}
	return nil
}

// RemoveDependency deletes the edge and unblocks taskID when nothing
// unresolved remains.
func (e Engine) RemoveDependency(ctx context.Context, taskID, dependsOnID, actorID int64) (err error) {
	defer func() { dependencyMutations.WithLabelValues("remove", mutationResult(err)).Inc() }()
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, actorID, PermDependencyDelete, task.Scope()); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RemoveEdge(ctx, tx, taskID, dependsOnID); err != nil {
		return err
	}
	task, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	dep, err := e.Repo.GetTaskTx(ctx, tx, dependsOnID)
	if err != nil {
		return err
	}
	unblocked, err := e.unblockIfClear(ctx, tx, task)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.dispatch(ctx, e.transition(task, effects.KindDependencyRemoved, actorID, &dep, ""))
	if unblocked {
		statusTransitions.WithLabelValues(domain.StateUnblocked.String()).Inc()
		e.dispatch(ctx, e.transition(task, effects.KindUnblocked, actorID, nil, "dependency_removed:"+strconv.FormatInt(dependsOnID, 10)))
	}
	return nil
}

// ListBlockingDependencies returns the dependencies of taskID that are not yet resolved.
func (e Engine) ListBlockingDependencies(ctx context.Context, taskID int64) ([]domain.BlockingDependency, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	deps, err := e.Repo.UnresolvedDependencies(ctx, e.DB, taskID)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = []domain.BlockingDependency{}
	}
	return deps, nil
}

// unblockIfClear moves a task the engine blocked to the neutral unblocked
// state when it has no unresolved dependency left. A blocking status the user
// chose is left alone, as are non-blocking tasks.
func (e Engine) unblockIfClear(ctx context.Context, tx *sql.Tx, task domain.Task) (bool, error) {
	if !task.Blocking() || !task.EngineBlocked {
		return false, nil
	}
	pending, err := e.Repo.HasUnresolvedDependencies(ctx, tx, task.ID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	if err := e.Repo.WriteTaskState(ctx, tx, task.ID, domain.Unblocked(), e.stamp()); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) transition(task domain.Task, kind effects.Kind, actorID int64, related *domain.Task, cause string) effects.Transition {
	t := effects.Transition{
		EventID:         uuid.NewString(),
		TaskID:          task.ID,
		TaskTitle:       task.Title,
		ProjectID:       task.ProjectID,
		Kind:            kind,
		ActorID:         actorID,
		AffectedUserIDs: affectedUsers(task, actorID),
		Cause:           cause,
		OccurredAt:      e.stamp(),
	}
	if related != nil {
		t.RelatedTaskID = related.ID
		t.RelatedTaskTitle = related.Title
	}
	return t
}

// affectedUsers are the task's assignees and creator, minus whoever acted.
func affectedUsers(task domain.Task, actorID int64) []int64 {
	var ids []int64
	for _, id := range append([]int64{task.CreatedByID}, task.AssigneeIDs...) {
		if id != actorID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e Engine) dispatch(ctx context.Context, t effects.Transition) {
	if err := e.Effects.Dispatch(ctx, t); err != nil {
		e.Log.Warn().Err(err).Int64("task_id", t.TaskID).Str("kind", string(t.Kind)).Msg("effect dispatch failed")
	}
}
