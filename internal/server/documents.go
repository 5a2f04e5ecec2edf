package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/versioning"
)

type documentPath struct {
	ProjectID  string `path:"project_id"`
	DocumentID string `path:"document_id"`
}

func registerDocuments(api huma.API, vs *versioning.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "snapshot-document",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/documents/{document_id}/versions",
		Summary:       "Store a new version of a document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string          `path:"project_id"`
		DocumentID string          `path:"document_id"`
		Body       SnapshotRequest `json:"body"`
	}) (*body[domain.DocumentVersion], error) {
		v, err := vs.Snapshot(ctx, versioning.SnapshotRequest{
			ProjectID:      input.ProjectID,
			DocumentID:     input.DocumentID,
			DocumentType:   input.Body.DocumentType,
			Content:        input.Body.Content,
			ChangedBy:      actorOr(ctx, input.Body.ChangedBy),
			ChangeReason:   input.Body.ChangeReason,
			ChangesSummary: input.Body.ChangesSummary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents",
		Summary:     "Versioned documents",
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.VersionHistory], error) {
		docs, err := vs.Documents(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(docs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents/{document_id}",
		Summary:     "A document's versions and current pointer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*body[domain.VersionHistory], error) {
		h, err := vs.GetVersionsList(ctx, input.ProjectID, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(h), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents/{document_id}/versions/{version}",
		Summary:     "Get a version; 0 is the current one",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `path:"document_id"`
		Version    int    `path:"version" minimum:"0"`
	}) (*body[domain.DocumentVersion], error) {
		v, err := vs.GetVersion(ctx, input.ProjectID, input.DocumentID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-version",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/documents/{document_id}/versions/{version}/lock",
		Summary:     "Lock a version against rollback",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `path:"document_id"`
		Version    int    `path:"version" minimum:"1"`
	}) (*body[domain.DocumentVersion], error) {
		v, err := vs.LockVersion(ctx, input.ProjectID, input.DocumentID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "diff-versions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents/{document_id}/diff",
		Summary:     "Compare two versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `path:"document_id"`
		V1         int    `query:"v1" required:"true" minimum:"1"`
		V2         int    `query:"v2" required:"true" minimum:"1"`
	}) (*body[DiffResponse], error) {
		d, err := vs.CompareVersions(ctx, input.ProjectID, input.DocumentID, input.V1, input.V2)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(DiffResponse{Diff: d, Summary: versioning.Summary(d)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-rollback",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents/{document_id}/rollback/{version}",
		Summary:     "Whether a version can be restored",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `path:"document_id"`
		Version    int    `path:"version"`
	}) (*body[RollbackCheckResponse], error) {
		return ok(RollbackCheckResponse{CanRollback: vs.CanRollback(ctx, input.ProjectID, input.DocumentID, input.Version)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-document",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/documents/{document_id}/rollback",
		Summary:     "Restore an earlier version's content as a new version",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string          `path:"project_id"`
		DocumentID string          `path:"document_id"`
		Body       RollbackRequest `json:"body"`
	}) (*body[domain.DocumentVersion], error) {
		v, err := vs.Rollback(ctx, input.ProjectID, input.DocumentID, input.Body.Target, input.Body.Reason, actorOr(ctx, input.Body.By))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-log",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audit",
		Summary:     "Document changes, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"100"`
	}) (*body[[]domain.ChangeEntry], error) {
		entries, err := vs.GetAuditLog(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(entries)), nil
	})
}
