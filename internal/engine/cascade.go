package engine

import (
	"context"
	"fmt"
	"strconv"

	"taskline/internal/domain"
	"taskline/internal/effects"
)

// OnTaskCompleted re-evaluates every direct dependent of taskID and unblocks
// those with nothing unresolved left. It does nothing unless taskID is
// resolved. Each dependent is handled in its own transaction after the
// caller's write has committed.
func (e Engine) OnTaskCompleted(ctx context.Context, taskID int64) (CascadeResult, error) {
	return e.cascade(ctx, taskID, SystemActorID)
}

func (e Engine) cascade(ctx context.Context, taskID, actorID int64) (CascadeResult, error) {
	res := CascadeResult{TaskID: taskID, Evaluated: []int64{}, Unblocked: []int64{}}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return res, err
	}
	if !task.Resolved() {
		return res, nil
	}
	dependents, err := e.Repo.ListIncoming(ctx, e.DB, taskID)
	if err != nil {
		return res, fmt.Errorf("list dependents of %d: %w", taskID, err)
	}
	e.reevaluateAll(ctx, dependents, &task, actorID, "completed:"+strconv.FormatInt(taskID, 10), &res)
	return res, nil
}

// reevaluateAll runs reevaluate for each id, collecting failures into res.
func (e Engine) reevaluateAll(ctx context.Context, ids []int64, cause *domain.Task, actorID int64, causeKey string, res *CascadeResult) {
	for _, id := range ids {
		res.Evaluated = append(res.Evaluated, id)
		unblocked, err := e.reevaluate(ctx, id, cause, actorID, causeKey)
		if err != nil {
			cascadeSteps.WithLabelValues("error").Inc()
			res.Failures = append(res.Failures, CascadeFailure{DependentID: id, Error: err.Error()})
			e.Log.Error().Err(err).Int64("task_id", res.TaskID).Int64("dependent_id", id).Msg("cascade step failed")
			e.Effects.RecordAudit(ctx, domain.AuditEntry{
				ActionType:     "CASCADE_FAILED",
				ActionCategory: "dependency",
				EntityType:     "task",
				EntityID:       id,
				PerformedByID:  actorID,
				Summary:        fmt.Sprintf("re-evaluating task #%d after %s failed", id, causeKey),
				Details:        map[string]any{"cause": causeKey, "error": err.Error()},
				CreatedAt:      e.stamp(),
			})
			continue
		}
		if unblocked {
			cascadeSteps.WithLabelValues("unblocked").Inc()
			res.Unblocked = append(res.Unblocked, id)
		} else {
			cascadeSteps.WithLabelValues("unchanged").Inc()
		}
	}
}

// reevaluate unblocks one task if it is blocking and fully resolved.
func (e Engine) reevaluate(ctx context.Context, taskID int64, cause *domain.Task, actorID int64, causeKey string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	unblocked, err := e.unblockIfClear(ctx, tx, task)
	if err != nil || !unblocked {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	statusTransitions.WithLabelValues(domain.StateUnblocked.String()).Inc()
	e.dispatch(ctx, e.transition(task, effects.KindUnblocked, actorID, cause, causeKey))
	return true, nil
}

// RepairReport summarizes one sweep over engine-blocked tasks.
type RepairReport struct {
	Scanned   int              `json:"scanned"`
	Unblocked []int64          `json:"unblocked"`
	Failures  []CascadeFailure `json:"failures,omitempty"`
}

// Repair unblocks tasks the engine blocked whose dependencies have all been
// resolved since. It picks up dependents a failed or missed cascade left behind.
func (e Engine) Repair(ctx context.Context) (RepairReport, error) {
	ids, err := e.Repo.ListEngineBlocked(ctx)
	if err != nil {
		return RepairReport{}, fmt.Errorf("list engine-blocked tasks: %w", err)
	}
	res := CascadeResult{Evaluated: []int64{}, Unblocked: []int64{}}
	e.reevaluateAll(ctx, ids, nil, SystemActorID, "repair", &res)
	return RepairReport{Scanned: len(ids), Unblocked: res.Unblocked, Failures: res.Failures}, nil
}
