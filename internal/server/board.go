package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type taskPath struct {
	ProjectID string `path:"project_id"`
	TaskID    string `path:"task_id"`
}

func registerBoard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "init-board",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/board",
		Summary:     "Initialize the board from a task list",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      InitBoardRequest `json:"body"`
	}) (*body[BoardView], error) {
		if _, err := e.InitializeBoard(ctx, input.ProjectID, toTasks(input.Body.Tasks)); err != nil {
			return nil, handleError(err)
		}
		return boardView(ctx, e, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/board",
		Summary:     "Board columns and tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[BoardView], error) {
		return boardView(ctx, e, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List board tasks, or fuzzy-search them by title",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Query     string `query:"q"`
		Limit     int    `query:"limit"`
	}) (*body[[]domain.Task], error) {
		var (
			tasks []domain.Task
			err   error
		)
		if input.Query != "" {
			tasks, err = e.SearchTasks(ctx, input.ProjectID, input.Query, normalizeLimit(input.Limit))
		} else {
			tasks, err = e.GetTasks(ctx, input.ProjectID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(tasks)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Get a board task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*body[domain.Task], error) {
		t, err := e.GetBoardTask(ctx, input.ProjectID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/move",
		Summary:     "Move a task to another column",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		TaskID    string          `path:"task_id"`
		Body      MoveTaskRequest `json:"body"`
	}) (*body[domain.MoveResult], error) {
		res, err := e.MoveTask(ctx, input.ProjectID, input.TaskID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/history",
		Summary:     "Recorded task moves, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*body[HistoryPage], error) {
		cursor, apiErr := parseCursor(input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		limit := normalizeLimit(input.Limit)
		items, next, err := e.GetHistory(ctx, input.ProjectID, cursor, limit)
		if err != nil {
			return nil, handleError(err)
		}
		page := HistoryPage{Items: nonNil(items)}
		if len(items) == limit {
			page.NextCursor = strconv.FormatInt(next, 10)
		}
		return ok(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/metrics",
		Summary:     "Sprint and point progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[domain.ProjectMetrics], error) {
		m, err := e.GetMetrics(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(m), nil
	})
}

func boardView(ctx context.Context, e *engine.Engine, projectID string) (*body[BoardView], error) {
	board, err := e.GetBoard(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	tasks, err := e.GetTasks(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	return ok(BoardView{Board: board, Tasks: nonNil(tasks)}), nil
}

func registerBacklog(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-backlog",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/backlog",
		Summary:     "Replace the backlog",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      BacklogRequest `json:"body"`
	}) (*body[domain.Backlog], error) {
		b, err := e.InitializeBacklog(ctx, input.ProjectID, toEpics(input.Body.Epics), toStories(input.Body.Stories), toTasks(input.Body.Tasks))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-backlog",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/backlog",
		Summary:     "Get the backlog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[domain.Backlog], error) {
		b, err := e.GetBacklog(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stories",
		Summary:     "Stories in priority order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.Story], error) {
		stories, err := e.Stories(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(stories)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-backlog-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/backlog/tasks/{task_id}",
		Summary:     "Set a backlog task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		TaskID    string            `path:"task_id"`
		Body      TaskStatusRequest `json:"body"`
	}) (*body[domain.Task], error) {
		t, err := e.UpdateTaskStatus(ctx, input.ProjectID, input.TaskID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reprioritize-story",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stories/{story_id}/reprioritize",
		Summary:     "Move a story within the priority order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		StoryID   string              `path:"story_id"`
		Body      ReprioritizeRequest `json:"body"`
	}) (*body[PriorityOrderResponse], error) {
		order, err := e.ReprioritizeStory(ctx, input.ProjectID, input.StoryID, input.Body.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(PriorityOrderResponse{PriorityOrder: order}), nil
	})
}

func registerSprints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan-sprints",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sprints/plan",
		Summary:     "Bucket tasks into sprints and save the plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      PlanSprintsRequest `json:"body"`
	}) (*body[[]domain.Sprint], error) {
		var start time.Time
		if input.Body.Start != nil {
			start = *input.Body.Start
		}
		sprints, err := e.PlanSprints(ctx, input.ProjectID, start)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(sprints)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sprints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sprints",
		Summary:     "Saved sprints",
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.Sprint], error) {
		sprints, err := e.LoadSprints(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(sprints)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-sprint",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sprints/current",
		Summary:     "Current sprint number",
	}, func(ctx context.Context, input *projectPath) (*body[CurrentSprintResponse], error) {
		return currentSprint(ctx, e, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-current-sprint",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/sprints/current",
		Summary:     "Set the current sprint number",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CurrentSprintRequest `json:"body"`
	}) (*body[CurrentSprintResponse], error) {
		if input.Body.Number < 1 {
			return nil, badRequest("number must be at least 1", nil)
		}
		if err := e.SetCurrentSprint(ctx, input.ProjectID, input.Body.Number); err != nil {
			return nil, handleError(err)
		}
		return currentSprint(ctx, e, input.ProjectID)
	})
}

func currentSprint(ctx context.Context, e *engine.Engine, projectID string) (*body[CurrentSprintResponse], error) {
	n, err := e.CurrentSprint(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	resp := CurrentSprintResponse{Number: n}
	sprints, err := e.LoadSprints(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	for i := range sprints {
		if sprints[i].Number == n {
			resp.Sprint = &sprints[i]
			break
		}
	}
	return ok(resp), nil
}
