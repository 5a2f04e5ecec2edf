package mcpapi

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"crewline/internal/collab"
	"crewline/internal/defect"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/versioning"
)

func registerBoardTools(srv *mcpserver.MCPServer, e *engine.Engine) {
	srv.AddTool(
		mcp.NewTool(
			"crew.get_board",
			mcp.WithDescription("Return the board columns and tasks of a project."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			board, err := e.GetBoard(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			tasks, err := e.GetTasks(ctx, projectID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_board", map[string]any{"board": board, "tasks": tasks})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.move_task",
			mcp.WithDescription("Move a task to a status. Unfinished dependencies force it to blocked."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
			mcp.WithString("status", mcp.Required(), mcp.Description("Target status"),
				mcp.Enum("todo", "in_progress", "review", "testing", "done", "blocked")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			taskID, err := req.RequireString("task_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			status, err := req.RequireString("status")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			res, err := e.MoveTask(ctx, projectID, taskID, domain.TaskStatus(status))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("move_task", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.search_tasks",
			mcp.WithDescription("Fuzzy-search board tasks by title."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			tasks, err := e.SearchTasks(ctx, projectID, query, req.GetInt("limit", 10))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("search_tasks", map[string]any{"tasks": tasks})
		},
	)
}

func registerMessageTools(srv *mcpserver.MCPServer, bus *collab.Bus, gate *collab.Gate) {
	srv.AddTool(
		mcp.NewTool(
			"crew.send_message",
			mcp.WithDescription("Send a message to another actor, or to \"all\" to broadcast."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Sending actor")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Receiving actor or \"all\"")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
			mcp.WithString("type", mcp.Description("Message type"),
				mcp.Enum("question", "answer", "clarification", "handoff", "notification", "client_message")),
			mcp.WithBoolean("requires_response", mcp.Description("Whether the recipient must answer")),
			mcp.WithString("thread_id", mcp.Description("Existing thread to post into")),
			mcp.WithString("project_id", mcp.Description("Project the message concerns")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			from, err := req.RequireString("from")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			to, err := req.RequireString("to")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			content, err := req.RequireString("content")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			msgID, threadID, err := bus.Send(ctx, collab.SendRequest{
				From:             from,
				To:               to,
				Content:          content,
				Type:             domain.MessageType(req.GetString("type", "")),
				RequiresResponse: req.GetBool("requires_response", false),
				ThreadID:         req.GetString("thread_id", ""),
				Context:          projectContext(req.GetString("project_id", "")),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("send_message", map[string]any{"message_id": msgID, "thread_id": threadID})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.get_inbox",
			mcp.WithDescription("Return an actor's inbox."),
			mcp.WithString("actor", mcp.Required(), mcp.Description("Actor name")),
			mcp.WithBoolean("unread_only", mcp.Description("Only unread messages")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := req.RequireString("actor")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			in := bus.GetInbox(actor)
			msgs := in.Messages
			if req.GetBool("unread_only", false) {
				msgs = in.Unread()
			}
			if msgs == nil {
				msgs = []domain.AgentMessage{}
			}
			return jsonResult("get_inbox", map[string]any{
				"agent_name":   in.AgentName,
				"unread_count": in.UnreadCount(),
				"messages":     msgs,
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.request_approval",
			mcp.WithDescription("Ask another actor to approve an action. The request stays pending until resolved or timed out."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Requesting actor")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Approving actor")),
			mcp.WithString("description", mcp.Required(), mcp.Description("What needs approval")),
			mcp.WithString("project_id", mcp.Description("Project the request concerns")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			from, err := req.RequireString("from")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			to, err := req.RequireString("to")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			description, err := req.RequireString("description")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			approval, err := gate.RequestApproval(ctx, from, to, description, projectContext(req.GetString("project_id", "")))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("request_approval", approval)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.resolve_approval",
			mcp.WithDescription("Approve or reject a pending approval request."),
			mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval identifier")),
			mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Approve (true) or reject (false)")),
			mcp.WithString("notes", mcp.Description("Resolution notes")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("approval_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			approved, err := req.RequireBool("approved")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if _, err := gate.Resolve(ctx, id, approved, req.GetString("notes", "")); err != nil {
				return toolResultFromError(err), nil
			}
			approval, err := gate.Get(id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("resolve_approval", approval)
		},
	)
}

func registerBugTools(srv *mcpserver.MCPServer, c *defect.Coordinator) {
	srv.AddTool(
		mcp.NewTool(
			"crew.report_bug",
			mcp.WithDescription("Report a bug. It is classified, prioritized and assigned before this returns."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short title")),
			mcp.WithString("description", mcp.Description("Details")),
			mcp.WithString("error_trace", mcp.Description("Error output or stack trace")),
			mcp.WithString("file_path", mcp.Description("File the failure points at")),
			mcp.WithString("test_name", mcp.Description("Failing test")),
			mcp.WithString("source", mcp.Description("Where the bug came from"),
				mcp.Enum("auto_test", "manual", "code_review", "client")),
			mcp.WithString("created_by", mcp.Description("Reporting actor")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			title, err := req.RequireString("title")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			bug, err := c.ProcessNewBug(ctx, projectID, domain.Bug{
				Title:       title,
				Description: req.GetString("description", ""),
				ErrorTrace:  req.GetString("error_trace", ""),
				FilePath:    req.GetString("file_path", ""),
				TestName:    req.GetString("test_name", ""),
				Source:      domain.BugSource(req.GetString("source", "")),
				CreatedBy:   req.GetString("created_by", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("report_bug", bug)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.detect_bugs",
			mcp.WithDescription("Report a bug for every failing test in pytest or unittest output."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("output", mcp.Required(), mcp.Description("Raw test runner output")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			output, err := req.RequireString("output")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			bugs, err := c.DetectBugs(ctx, projectID, output)
			if err != nil {
				return toolResultFromError(err), nil
			}
			ids := make([]string, 0, len(bugs))
			for _, b := range bugs {
				ids = append(ids, b.ID)
			}
			return jsonResult("detect_bugs", map[string]any{"detected": len(bugs), "bug_ids": ids})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.list_bugs",
			mcp.WithDescription("List bugs, optionally only active ones."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithBoolean("active", mcp.Description("Only bugs that still need work")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			var bugs []domain.Bug
			if req.GetBool("active", false) {
				bugs, err = c.ListOpen(ctx, projectID)
			} else {
				bugs, err = c.List(ctx, projectID, "")
			}
			if err != nil {
				return toolResultFromError(err), nil
			}
			if bugs == nil {
				bugs = []domain.Bug{}
			}
			return jsonResult("list_bugs", map[string]any{"bugs": bugs})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.complete_fix",
			mcp.WithDescription("Record a fix attempt. Failures retry until the limit, then escalate once."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("bug_id", mcp.Required(), mcp.Description("Bug identifier")),
			mcp.WithBoolean("passed", mcp.Required(), mcp.Description("Whether verification passed")),
			mcp.WithArray("files_changed", mcp.Description("Files touched by the fix"), mcp.WithStringItems()),
			mcp.WithString("by", mcp.Description("Acting actor")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			bugID, err := req.RequireString("bug_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			passed, err := req.RequireBool("passed")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			out, err := c.CompleteFix(ctx, projectID, bugID, passed, req.GetStringSlice("files_changed", nil), req.GetString("by", ""))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("complete_fix", out)
		},
	)
}

func registerDocumentTools(srv *mcpserver.MCPServer, vs *versioning.Store) {
	srv.AddTool(
		mcp.NewTool(
			"crew.snapshot_document",
			mcp.WithDescription("Store a new version of a document. JSON object content is diffed field by field."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Text, or a JSON object")),
			mcp.WithString("document_type", mcp.Description("Document type, e.g. prd")),
			mcp.WithString("changed_by", mcp.Description("Author")),
			mcp.WithString("change_reason", mcp.Description("Why the document changed")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			content, err := req.RequireString("content")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			v, err := vs.Snapshot(ctx, versioning.SnapshotRequest{
				ProjectID:    projectID,
				DocumentID:   documentID,
				DocumentType: req.GetString("document_type", ""),
				Content:      decodeContent(content),
				ChangedBy:    req.GetString("changed_by", ""),
				ChangeReason: req.GetString("change_reason", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("snapshot_document", v)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.compare_versions",
			mcp.WithDescription("Diff two versions of a document."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithNumber("v1", mcp.Required(), mcp.Description("Older version")),
			mcp.WithNumber("v2", mcp.Required(), mcp.Description("Newer version")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			v1, err := req.RequireInt("v1")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			v2, err := req.RequireInt("v2")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			diff, err := vs.CompareVersions(ctx, projectID, documentID, v1, v2)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("compare_versions", map[string]any{"diff": diff, "summary": versioning.Summary(diff)})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crew.rollback_document",
			mcp.WithDescription("Restore an earlier version's content as a new version. Locked versions are refused."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithNumber("target", mcp.Required(), mcp.Description("Version to restore")),
			mcp.WithString("reason", mcp.Description("Why the rollback happens")),
			mcp.WithString("by", mcp.Description("Acting actor")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			projectID, err := req.RequireString("project_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			target, err := req.RequireInt("target")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			v, err := vs.Rollback(ctx, projectID, documentID, target, req.GetString("reason", ""), req.GetString("by", ""))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("rollback_document", v)
		},
	)
}
