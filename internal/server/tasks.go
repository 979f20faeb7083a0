package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/domain"
	"taskline/internal/engine"
)

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// readableTask loads a task and checks perm at the task's scope.
func readableTask(ctx context.Context, e engine.Engine, taskID int64, perm string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := requirePermission(ctx, e, perm, task.Scope()); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-statuses",
		Method:      http.MethodGet,
		Path:        "/task-statuses",
		Summary:     "List task statuses",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IncludeInactive bool `query:"include_inactive"`
	}) (*body[StatusList], error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTaskStatuses(ctx, input.IncludeInactive)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[StatusList]{Body: StatusList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*body[TaskResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:   input.Body.ProjectID,
			Title:       input.Body.Title,
			StatusID:    input.Body.StatusID,
			AssigneeIDs: input.Body.AssigneeIDs,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &body[TaskResponse]{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[TaskResponse], error) {
		task, err := readableTask(ctx, e, input.ID, engine.PermTaskRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[TaskResponse]{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Change task status",
		Description: "Moving a task into a final status re-evaluates its direct dependents.",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body UpdateStatusRequest
	}) (*body[StatusUpdateResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateTaskStatus(ctx, engine.StatusUpdate{
			TaskID:   input.ID,
			StatusID: input.Body.StatusID,
			Status:   input.Body.Status,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &body[StatusUpdateResponse]{Body: StatusUpdateResponse{Task: res.Task, Cascade: res.Cascade}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unblock",
		Summary:     "Clear a blocking status regardless of dependencies",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[TaskResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ManualUnblock(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[TaskResponse]{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[DeleteTaskResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeleteTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[DeleteTaskResponse]{Body: DeleteTaskResponse{Cascade: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-activity",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/activity",
		Summary:     "Audit entries recorded for a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[ActivityList], error) {
		if _, err := readableTask(ctx, e, input.ID, engine.PermLogView); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActivity(ctx, "task", input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[ActivityList]{Body: ActivityList{Items: nonNilSlice(items)}}, nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/dependencies",
		Summary:       "Make a task depend on another",
		Description:   "The task moves to a blocking status when the new dependency is unresolved.",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body AddDependencyRequest
	}) (*body[TaskResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddDependency(ctx, input.ID, input.Body.DependsOnTaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[TaskResponse]{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/dependencies/{dep_id}",
		Summary:     "Remove a dependency",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		DepID int64 `path:"dep_id"`
	}) (*body[TaskResponse], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveDependency(ctx, input.ID, input.DepID, actorID); err != nil {
			return nil, handleError(err)
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[TaskResponse]{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blocking-dependencies",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "Unresolved dependencies of a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[BlockingResponse], error) {
		if _, err := readableTask(ctx, e, input.ID, engine.PermDependencyRead); err != nil {
			return nil, handleError(err)
		}
		deps, err := e.ListBlockingDependencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[BlockingResponse]{Body: BlockingResponse{
			TaskID:    input.ID,
			Blocking:  deps,
			IsBlocked: len(deps) > 0,
		}}, nil
	})
}
