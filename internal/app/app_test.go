package app

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"crewline/internal/collab"
	"crewline/internal/config"
	"crewline/internal/logging"
)

func TestReopenRestoresMessaging(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.Storage.Driver = "files"
	open := func() *Runtime {
		rt, err := Open(Options{Workspace: "/ws", Config: cfg, Logger: logging.Discard(), Fs: fs})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return rt
	}

	rt := open()
	_, threadID, err := rt.Bus.Send(ctx, collab.SendRequest{From: "Bob", To: "Alice", Content: "ready for review"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req, err := rt.Gate.RequestApproval(ctx, "Alex", "Alice", "merge the parser", nil)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	rt.Close()

	rt = open()
	defer rt.Close()
	if _, err := rt.Bus.GetThread(threadID); err != nil {
		t.Fatalf("thread lost on reopen: %v", err)
	}
	if in := rt.Bus.GetInbox("Alice"); len(in.Messages) != 2 || in.UnreadCount() != 2 {
		t.Fatalf("inbox after reopen = %+v", in.Messages)
	}
	if pending := rt.Gate.GetPending("Alice"); len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending after reopen = %+v", pending)
	}

	// Messaging state must not show up as a project.
	projects, err := rt.Store.Projects(ctx)
	if err != nil || len(projects) != 0 {
		t.Fatalf("projects = %v, %v", projects, err)
	}
}
