package collab_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"crewline/internal/collab"
	"crewline/internal/domain"
	"crewline/internal/repo"
)

func newStoredBus(store repo.Store) (*collab.Bus, *collab.Gate) {
	bus := collab.NewBus(collab.Options{
		Actors: []string{"Alice", "Bob", "Alex"},
		Store:  store,
		Now:    fixedNow,
	})
	return bus, collab.NewGate(bus, collab.GateOptions{Now: fixedNow})
}

func TestRestartRestoresThreadsAndInboxes(t *testing.T) {
	ctx := context.Background()
	store := repo.NewFileStore(afero.NewMemMapFs(), "/state")
	bus, _ := newStoredBus(store)

	msgID, threadID, err := bus.Send(ctx, collab.SendRequest{From: "Bob", To: "Alice", Content: "which schema?", RequiresResponse: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := bus.Reply(ctx, threadID, "Alice", "the v2 one", ""); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if _, _, err := bus.Send(ctx, collab.SendRequest{From: "Alex", To: domain.BroadcastRecipient, Content: "deploying"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if found, err := bus.MarkRead(ctx, "Alice", msgID); err != nil || !found {
		t.Fatalf("mark read = %v, %v", found, err)
	}
	if err := bus.ResolveThread(ctx, threadID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	restarted, _ := newStoredBus(store)
	n, err := restarted.Load(ctx)
	if err != nil || n != 2 {
		t.Fatalf("load = %d, %v", n, err)
	}
	thread, err := restarted.GetThread(threadID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if thread.Status != domain.ThreadResolved || len(thread.Messages) != 2 || thread.Topic != "which schema?" {
		t.Fatalf("thread = %+v", thread)
	}
	alice := restarted.GetInbox("Alice")
	if len(alice.Messages) != 2 || alice.UnreadCount() != 1 {
		t.Fatalf("alice inbox = %+v", alice.Messages)
	}
	if !alice.Messages[0].Read || alice.Messages[0].ID != msgID {
		t.Fatalf("read flag lost: %+v", alice.Messages[0])
	}
	if bob := restarted.GetInbox("Bob"); len(bob.Messages) != 2 || bob.UnreadCount() != 2 {
		t.Fatalf("bob inbox = %+v", bob.Messages)
	}
	if alex := restarted.GetInbox("Alex"); len(alex.Messages) != 0 {
		t.Fatalf("broadcast reached its sender: %+v", alex.Messages)
	}

	log, err := restarted.MessageLog(ctx, 0, 0)
	if err != nil || len(log) != 3 || log[0].ID != msgID {
		t.Fatalf("message log = %+v, %v", log, err)
	}

	// New messages continue the restored thread.
	if _, err := restarted.Reply(ctx, threadID, "Bob", "thanks", ""); err != nil {
		t.Fatalf("reply after restart: %v", err)
	}
	if thread, _ := restarted.GetThread(threadID); len(thread.Messages) != 3 {
		t.Fatalf("thread after reply = %d messages", len(thread.Messages))
	}
}

func TestRestartRestoresPendingApprovals(t *testing.T) {
	ctx := context.Background()
	store := repo.NewFileStore(afero.NewMemMapFs(), "/state")
	_, gate := newStoredBus(store)

	open, err := gate.RequestApproval(ctx, "Alex", "Alice", "ship the schema", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	done, err := gate.RequestApproval(ctx, "Alex", "Alice", "drop the cache", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := gate.Resolve(ctx, done.ID, false, "not now"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	restartedBus, restartedGate := newStoredBus(store)
	if _, err := restartedBus.Load(ctx); err != nil {
		t.Fatalf("load bus: %v", err)
	}
	n, err := restartedGate.Load(ctx)
	if err != nil || n != 1 {
		t.Fatalf("load gate = %d, %v", n, err)
	}
	pending := restartedGate.GetPending("Alice")
	if len(pending) != 1 || pending[0].ID != open.ID {
		t.Fatalf("pending = %+v", pending)
	}
	rejected, err := restartedGate.Get(done.ID)
	if err != nil || rejected.Status != domain.ApprovalRejected || rejected.ResolutionNotes != "not now" {
		t.Fatalf("rejected = %+v, %v", rejected, err)
	}
	if ok, err := restartedGate.WaitForApproval(ctx, done.ID, 0); err != nil || ok {
		t.Fatalf("wait on rejected = %v, %v", ok, err)
	}

	id, err := restartedGate.ResolveByMessageID(ctx, open.MessageID, true, "")
	if err != nil || id != open.ID {
		t.Fatalf("resolve by message = %s, %v", id, err)
	}
	if ok, err := restartedGate.WaitForApproval(ctx, open.ID, 0); err != nil || !ok {
		t.Fatalf("wait on approved = %v, %v", ok, err)
	}
	inbox := restartedBus.GetInbox("Alex")
	last := inbox.Messages[len(inbox.Messages)-1]
	if last.MessageType != domain.MessageApprovalResponse || last.ThreadID != open.ThreadID {
		t.Fatalf("response = %+v", last)
	}
}

type failingStore struct {
	repo.Store
	fail bool
}

func (s *failingStore) Put(ctx context.Context, projectID, kind, key string, v any) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, projectID, kind, key, v)
}

func TestFailedSaveLeavesMessagingUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: repo.NewFileStore(afero.NewMemMapFs(), "/state")}
	bus, gate := newStoredBus(store)
	msgID, threadID, err := bus.Send(ctx, collab.SendRequest{From: "Bob", To: "Alice", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req, err := gate.RequestApproval(ctx, "Alex", "Alice", "merge", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	store.fail = true
	if _, _, err := bus.Send(ctx, collab.SendRequest{From: "Bob", To: "Alice", Content: "again", ThreadID: threadID}); err == nil {
		t.Fatalf("send succeeded with a failing store")
	}
	if found, err := bus.MarkRead(ctx, "Alice", msgID); err == nil || found {
		t.Fatalf("mark read = %v, %v", found, err)
	}
	if err := bus.ResolveThread(ctx, threadID); err == nil {
		t.Fatalf("resolve succeeded with a failing store")
	}
	if _, err := gate.Resolve(ctx, req.ID, true, ""); err == nil {
		t.Fatalf("approval resolved with a failing store")
	}

	thread, _ := bus.GetThread(threadID)
	if len(thread.Messages) != 1 || thread.Status != domain.ThreadActive {
		t.Fatalf("thread changed: %+v", thread)
	}
	alice := bus.GetInbox("Alice")
	if len(alice.Messages) != 2 || alice.UnreadCount() != 2 {
		t.Fatalf("alice inbox changed: %+v", alice.Messages)
	}
	if got, _ := gate.Get(req.ID); got.Status != domain.ApprovalPending {
		t.Fatalf("approval status = %s", got.Status)
	}

	store.fail = false
	if _, err := gate.Resolve(ctx, req.ID, true, ""); err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
}
