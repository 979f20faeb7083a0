package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"taskline/internal/domain"
	"taskline/internal/effects"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   *int64
	Title       string
	StatusID    *int64
	AssigneeIDs []int64
	ActorID     int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	scope := domain.GlobalScope()
	if opts.ProjectID != nil {
		scope = domain.ProjectScope(*opts.ProjectID)
	}
	if err := e.Auth.Require(ctx, opts.ActorID, PermTaskCreate, scope); err != nil {
		return domain.Task{}, err
	}
	var state *domain.TaskState
	if opts.StatusID != nil {
		st, err := e.customState(ctx, opts.StatusID, "")
		if err != nil {
			return domain.Task{}, err
		}
		state = &st
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t := domain.Task{
		ProjectID:   opts.ProjectID,
		Title:       title,
		CreatedByID: opts.ActorID,
		AssigneeIDs: opts.AssigneeIDs,
		UpdatedAt:   e.stamp(),
	}
	id, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if state != nil {
		if err := e.Repo.WriteTaskState(ctx, tx, id, *state, t.UpdatedAt); err != nil {
			return domain.Task{}, err
		}
	}
	created, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return created, nil
}

// StatusUpdate sets a task's status either to a dynamic status or to a
// legacy string. StatusID wins when both are set.
type StatusUpdate struct {
	TaskID   int64
	StatusID *int64
	Status   string
	ActorID  int64
}

type StatusUpdateResult struct {
	Task    domain.Task    `json:"task"`
	Cascade *CascadeResult `json:"cascade,omitempty"`
}

// UpdateTaskStatus applies a user-chosen status. When the write makes the
// task resolved, its dependents are re-evaluated after commit.
func (e Engine) UpdateTaskStatus(ctx context.Context, upd StatusUpdate) (StatusUpdateResult, error) {
	task, err := e.Repo.GetTask(ctx, upd.TaskID)
	if err != nil {
		return StatusUpdateResult{}, err
	}
	if err := e.Auth.Require(ctx, upd.ActorID, PermTaskChangeStatus, task.Scope()); err != nil {
		return StatusUpdateResult{}, err
	}
	state, err := e.customState(ctx, upd.StatusID, upd.Status)
	if err != nil {
		return StatusUpdateResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StatusUpdateResult{}, err
	}
	defer tx.Rollback()
	before, err := e.Repo.GetTaskTx(ctx, tx, upd.TaskID)
	if err != nil {
		return StatusUpdateResult{}, err
	}
	if err := e.Repo.WriteTaskState(ctx, tx, upd.TaskID, state, e.stamp()); err != nil {
		return StatusUpdateResult{}, err
	}
	after, err := e.Repo.GetTaskTx(ctx, tx, upd.TaskID)
	if err != nil {
		return StatusUpdateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StatusUpdateResult{}, err
	}
	statusTransitions.WithLabelValues(domain.StateCustom.String()).Inc()
	e.Effects.RecordAudit(ctx, domain.AuditEntry{
		ActionType:     "TASK_STATUS_CHANGED",
		ActionCategory: "task",
		EntityType:     "task",
		EntityID:       after.ID,
		ProjectID:      after.ProjectID,
		PerformedByID:  upd.ActorID,
		Summary:        fmt.Sprintf("status changed from %s to %s", before.DisplayStatus(), after.DisplayStatus()),
		Details:        map[string]any{"from": before.DisplayStatus(), "to": after.DisplayStatus()},
		CreatedAt:      e.stamp(),
	})

	out := StatusUpdateResult{Task: after}
	if !before.Resolved() && after.Resolved() {
		res, err := e.cascade(ctx, after.ID, upd.ActorID)
		if err != nil {
			e.Log.Error().Err(err).Int64("task_id", after.ID).Msg("cascade after completion failed")
		}
		out.Cascade = &res
	}
	return out, nil
}

// customState validates a user-chosen status and converts it to a TaskState.
func (e Engine) customState(ctx context.Context, statusID *int64, legacy string) (domain.TaskState, error) {
	if statusID != nil {
		st, err := e.Repo.GetTaskStatus(ctx, *statusID)
		if err != nil {
			return domain.TaskState{}, fmt.Errorf("%w: status %d: %v", ErrInvalidStatus, *statusID, err)
		}
		if !st.IsActive {
			return domain.TaskState{}, fmt.Errorf("%w: status %s is inactive", ErrInvalidStatus, st.Name)
		}
		return domain.Custom(&st.ID, st.LegacyLabel()), nil
	}
	legacy = strings.ToLower(strings.TrimSpace(legacy))
	if legacy == "" {
		return domain.TaskState{}, fmt.Errorf("%w: status or status_id required", ErrInvalidStatus)
	}
	return domain.Custom(nil, legacy), nil
}

// ManualUnblock clears a blocking state regardless of dependencies. A task
// that is not blocking is returned unchanged.
func (e Engine) ManualUnblock(ctx context.Context, taskID, actorID int64) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, actorID, PermManualUnblock, task.Scope()); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !task.Blocking() {
		return task, nil
	}
	if err := e.Repo.WriteTaskState(ctx, tx, taskID, domain.Unblocked(), e.stamp()); err != nil {
		return domain.Task{}, err
	}
	after, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	statusTransitions.WithLabelValues(domain.StateUnblocked.String()).Inc()
	e.dispatch(ctx, e.transition(task, effects.KindUnblocked, actorID, nil, "manual"))
	return after, nil
}

// DeleteTask removes a task. Edges in both directions go with it, and its
// former dependents are re-evaluated as if the edge had been removed.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID int64) (CascadeResult, error) {
	res := CascadeResult{TaskID: taskID, Evaluated: []int64{}, Unblocked: []int64{}}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return res, err
	}
	if err := e.Auth.Require(ctx, actorID, PermTaskDelete, task.Scope()); err != nil {
		return res, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	dependents, err := e.Repo.ListIncoming(ctx, tx, taskID)
	if err != nil {
		return res, err
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, taskID); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Effects.RecordAudit(ctx, domain.AuditEntry{
		ActionType:     "TASK_DELETED",
		ActionCategory: "task",
		EntityType:     "task",
		EntityID:       taskID,
		ProjectID:      task.ProjectID,
		PerformedByID:  actorID,
		Summary:        fmt.Sprintf("task %q deleted", task.Title),
		Details:        map[string]any{"dependents": len(dependents)},
		CreatedAt:      e.stamp(),
	})
	e.reevaluateAll(ctx, dependents, nil, actorID, "deleted:"+strconv.FormatInt(taskID, 10), &res)
	return res, nil
}
