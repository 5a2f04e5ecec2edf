package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/defect"
	"crewline/internal/domain"
)

type bugPath struct {
	ProjectID string `path:"project_id"`
	BugID     string `path:"bug_id"`
}

func registerBugs(api huma.API, c *defect.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-bug",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/bugs",
		Summary:       "Report a bug; it is classified, routed and its assignee notified",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      ReportBugRequest `json:"body"`
	}) (*body[domain.Bug], error) {
		if input.Body.Title == "" {
			return nil, badRequest("title is required", nil)
		}
		bug := bugFromReport(input.Body)
		bug.CreatedBy = actorOr(ctx, bug.CreatedBy)
		created, err := c.ProcessNewBug(ctx, input.ProjectID, bug)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(created), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "detect-bugs",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/bugs/detect",
		Summary:       "Turn failing tests in pytest or unittest output into routed bugs",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      DetectBugsRequest `json:"body"`
	}) (*body[DetectBugsResponse], error) {
		bugs, err := c.DetectBugs(ctx, input.ProjectID, input.Body.Output)
		if err != nil {
			return nil, handleError(err)
		}
		out := DetectBugsResponse{Detected: len(bugs), BugIDs: make([]string, 0, len(bugs))}
		for _, b := range bugs {
			out.BugIDs = append(out.BugIDs, b.ID)
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bugs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bugs",
		Summary:     "Bugs by priority, then age",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"open,assigned,in_progress,fixed,verified,closed,wont_fix"`
		Active    bool   `query:"active" doc:"Only open, assigned and in-progress bugs"`
	}) (*body[[]domain.Bug], error) {
		var (
			bugs []domain.Bug
			err  error
		)
		if input.Active {
			bugs, err = c.ListOpen(ctx, input.ProjectID)
		} else {
			bugs, err = c.List(ctx, input.ProjectID, domain.BugStatus(input.Status))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(bugs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bug",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bugs/{bug_id}",
		Summary:     "Get a bug",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*body[domain.Bug], error) {
		b, err := c.Get(ctx, input.ProjectID, input.BugID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bug-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bugs/{bug_id}/history",
		Summary:     "A bug's change history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*body[[]domain.BugHistory], error) {
		h, err := c.History(ctx, input.ProjectID, input.BugID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(h)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-bug",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/bugs/{bug_id}/assign",
		Summary:     "Assign a bug",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		BugID     string           `path:"bug_id"`
		Body      AssignBugRequest `json:"body"`
	}) (*body[domain.Bug], error) {
		if input.Body.Agent == "" {
			return nil, badRequest("agent is required", nil)
		}
		b, err := c.Assign(ctx, input.ProjectID, input.BugID, input.Body.Agent, actorOr(ctx, input.Body.By))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-bug-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/bugs/{bug_id}/status",
		Summary:     "Move a bug through its workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		BugID     string           `path:"bug_id"`
		Body      BugStatusRequest `json:"body"`
	}) (*body[domain.Bug], error) {
		b, err := c.UpdateStatus(ctx, input.ProjectID, input.BugID, input.Body.Status, input.Body.Notes, actorOr(ctx, input.Body.By))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-fix",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/bugs/{bug_id}/start",
		Summary:     "Start work on a fix",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		BugID     string          `path:"bug_id"`
		Body      StartFixRequest `json:"body"`
	}) (*body[domain.Bug], error) {
		b, err := c.StartFix(ctx, input.ProjectID, input.BugID, actorOr(ctx, input.Body.By))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-fix",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/bugs/{bug_id}/complete",
		Summary:     "Record a fix attempt and its verification result",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		BugID     string             `path:"bug_id"`
		Body      CompleteFixRequest `json:"body"`
	}) (*body[defect.FixOutcome], error) {
		out, err := c.CompleteFix(ctx, input.ProjectID, input.BugID, input.Body.Passed, input.Body.FilesChanged, actorOr(ctx, input.Body.By))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bug-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bug-metrics",
		Summary:     "Bug counts and average fix time",
	}, func(ctx context.Context, input *projectPath) (*body[domain.BugMetrics], error) {
		m, err := c.Metrics(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(m), nil
	})
}
