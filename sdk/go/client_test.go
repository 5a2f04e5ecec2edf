package crewlinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/logging"
	"crewline/internal/server"
	crewlinesdk "crewline/sdk/go"
)

func newClient(t *testing.T) *crewlinesdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = "files"
	rt, err := app.Open(app.Options{Workspace: "/ws", Config: cfg, Logger: logging.Discard(), Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := server.New(server.Config{Runtime: rt, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		rt.Close()
	})
	return crewlinesdk.New(srv.URL, "shop")
}

func TestClientMessagingAndApprovals(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, threadID, err := c.SendMessage(ctx, "Alice", "Bob", "Ready for review?", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	inbox, err := c.Inbox(ctx, "Bob", true)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if inbox.UnreadCount != 1 || len(inbox.Messages) != 1 || inbox.Messages[0].ThreadID != threadID {
		t.Fatalf("unexpected inbox %+v", inbox)
	}

	_, _, err = c.SendMessage(ctx, "Alex", "Alice", "APPROVAL REQUIRED: ship v1", "approval_request")
	if err != nil {
		t.Fatalf("send approval request: %v", err)
	}
	pending, err := c.PendingApprovals(ctx, "Alice")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, err = %v", pending, err)
	}
	if pending[0].Description != "ship v1" {
		t.Fatalf("description = %q", pending[0].Description)
	}
	resolved, err := c.ResolveApproval(ctx, pending[0].ID, true, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != "approved" {
		t.Fatalf("status = %s", resolved.Status)
	}
}

func TestClientBugsAndDocuments(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	bug, err := c.ReportBug(ctx, crewlinesdk.BugReport{Title: "Typo on landing page", Source: "manual"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if bug.Severity != "low" || bug.Priority != "P3" || bug.Status != "assigned" {
		t.Fatalf("unexpected bug %+v", bug)
	}
	out, err := c.CompleteFix(ctx, bug.ID, false, nil)
	if err != nil || out.Result != "retrying" || out.Bug.RetryCount != 1 {
		t.Fatalf("complete = %+v, err = %v", out, err)
	}

	if _, err := c.Snapshot(ctx, "arch", "architecture", "monolith", ""); err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	if _, err := c.Snapshot(ctx, "arch", "architecture", "services", "scale out"); err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	v, err := c.Rollback(ctx, "arch", 1, "too early")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v.Version != 3 || v.Content != "monolith" {
		t.Fatalf("unexpected rollback %+v", v)
	}

	events, err := c.Events(ctx, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"bug_created", "version_created"} {
		if !seen[want] {
			t.Fatalf("missing %s event in %+v", want, seen)
		}
	}
}

func TestClientErrors(t *testing.T) {
	c := newClient(t)
	_, err := c.MoveTask(context.Background(), "T1", "done")
	if !crewlinesdk.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *crewlinesdk.APIError
	if e, ok := err.(*crewlinesdk.APIError); ok {
		apiErr = e
	}
	if apiErr == nil || apiErr.Code != "not_found" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error %#v", err)
	}
}
