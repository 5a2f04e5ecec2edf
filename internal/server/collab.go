package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/collab"
	"crewline/internal/domain"
)

const maxWaitSeconds = 300

func registerMessages(api huma.API, bus *collab.Bus) {
	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Send a message to an actor or to all",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*body[SendMessageResponse], error) {
		msgID, threadID, err := bus.Send(ctx, collab.SendRequest{
			From:             actorOr(ctx, input.Body.From),
			To:               input.Body.To,
			Content:          input.Body.Content,
			Type:             input.Body.Type,
			RequiresResponse: input.Body.RequiresResponse,
			Context:          input.Body.Context,
			ThreadID:         input.Body.ThreadID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(SendMessageResponse{MessageID: msgID, ThreadID: threadID}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-threads",
		Method:      http.MethodGet,
		Path:        "/threads",
		Summary:     "Threads, most recently updated first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,waiting_response,resolved,blocked"`
	}) (*body[[]domain.ConversationThread], error) {
		return ok(nonNil(bus.GetThreads(domain.ThreadStatus(input.Status)))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}",
		Summary:     "Get a thread",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
	}) (*body[domain.ConversationThread], error) {
		t, err := bus.GetThread(input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reply-thread",
		Method:      http.MethodPost,
		Path:        "/threads/{thread_id}/reply",
		Summary:     "Reply to the last message in a thread",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string       `path:"thread_id"`
		Body     ReplyRequest `json:"body"`
	}) (*body[SendMessageResponse], error) {
		msgID, err := bus.Reply(ctx, input.ThreadID, actorOr(ctx, input.Body.From), input.Body.Content, input.Body.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(SendMessageResponse{MessageID: msgID, ThreadID: input.ThreadID}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-thread",
		Method:      http.MethodPost,
		Path:        "/threads/{thread_id}/resolve",
		Summary:     "Mark a thread resolved",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ThreadID string `path:"thread_id"`
	}) (*body[domain.ConversationThread], error) {
		if err := bus.ResolveThread(ctx, input.ThreadID); err != nil {
			return nil, handleError(err)
		}
		t, err := bus.GetThread(input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "Actors with an inbox",
	}, func(ctx context.Context, _ *struct{}) (*body[[]string], error) {
		return ok(nonNil(bus.Actors())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inbox",
		Method:      http.MethodGet,
		Path:        "/inboxes/{actor}",
		Summary:     "An actor's inbox",
	}, func(ctx context.Context, input *struct {
		Actor      string `path:"actor"`
		UnreadOnly bool   `query:"unread_only"`
	}) (*body[InboxResponse], error) {
		in := bus.GetInbox(input.Actor)
		if input.UnreadOnly {
			in.Messages = in.Unread()
		}
		return ok(inboxResponse(in)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-read",
		Method:      http.MethodPost,
		Path:        "/inboxes/{actor}/messages/{message_id}/read",
		Summary:     "Mark an inbox message read",
	}, func(ctx context.Context, input *struct {
		Actor     string `path:"actor"`
		MessageID string `path:"message_id"`
	}) (*body[MarkReadResponse], error) {
		updated, err := bus.MarkRead(ctx, input.Actor, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(MarkReadResponse{Updated: updated}), nil
	})
}

type approvalPath struct {
	ApprovalID string `path:"approval_id"`
}

func registerApprovals(api huma.API, gate *collab.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "request-approval",
		Method:      http.MethodPost,
		Path:        "/approvals",
		Summary:     "Ask an actor for approval",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ApprovalRequestBody `json:"body"`
	}) (*body[domain.ApprovalRequest], error) {
		req, err := gate.RequestApproval(ctx, actorOr(ctx, input.Body.From), input.Body.To, input.Body.Description, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "Pending approvals, oldest first",
	}, func(ctx context.Context, input *struct {
		Actor string `query:"actor"`
	}) (*body[[]domain.ApprovalRequest], error) {
		return ok(nonNil(gate.GetPending(input.Actor))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get an approval request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*body[domain.ApprovalRequest], error) {
		req, err := gate.Get(input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Approve or reject a pending request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*body[ResolveApprovalResponse], error) {
		approved, err := gate.Resolve(ctx, input.ApprovalID, input.Body.Approved, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := gate.Get(input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ResolveApprovalResponse{Approved: approved, Request: req}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval-by-message",
		Method:      http.MethodPost,
		Path:        "/messages/{message_id}/approval",
		Summary:     "Resolve the approval attached to a message",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MessageID string                 `path:"message_id"`
		Body      ResolveApprovalRequest `json:"body"`
	}) (*body[ResolveByMessageResponse], error) {
		id, err := gate.ResolveByMessageID(ctx, input.MessageID, input.Body.Approved, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ResolveByMessageResponse{ApprovalID: id, Approved: input.Body.Approved}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wait-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/wait",
		Summary:     "Block until the request is resolved or times out",
		Description: "A zero timeout uses the gate's configured timeout. The wait is bounded by the request context.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID     string `path:"approval_id"`
		TimeoutSeconds int    `query:"timeout_seconds" minimum:"0"`
	}) (*body[WaitApprovalResponse], error) {
		var timeout time.Duration
		if input.TimeoutSeconds > 0 {
			secs := min(input.TimeoutSeconds, maxWaitSeconds)
			timeout = time.Duration(secs) * time.Second
		}
		proceed, err := gate.WaitForApproval(ctx, input.ApprovalID, timeout)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := gate.Get(input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(WaitApprovalResponse{Proceed: proceed, Request: req}), nil
	})
}
