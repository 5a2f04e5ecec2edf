package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func newHub(t *testing.T) (*events.Hub, *events.Writer) {
	t.Helper()
	w := &events.Writer{Store: repo.NewFileStore(afero.NewMemMapFs(), "/"), Now: fixedNow}
	h := events.NewHub(events.HubOptions{Writer: w})
	t.Cleanup(h.Close)
	return h, w
}

func receive(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func TestHubDeliversInOrderPerProject(t *testing.T) {
	h, _ := newHub(t)
	ctx := context.Background()
	got := make(chan domain.Event, 8)
	all := make(chan domain.Event, 8)
	h.Subscribe("p1", func(e domain.Event) error { got <- e; return nil })
	h.Subscribe(events.AllProjects, func(e domain.Event) error { all <- e; return nil })

	h.Publish(ctx, domain.Event{Type: events.TypeTaskMoved, ProjectID: "p1", EntityID: "A"})
	h.Publish(ctx, domain.Event{Type: events.TypeTaskMoved, ProjectID: "p2", EntityID: "X"})
	h.Publish(ctx, domain.Event{Type: events.TypeTaskMoved, ProjectID: "p1", EntityID: "B"})

	if first, second := receive(t, got), receive(t, got); first.EntityID != "A" || second.EntityID != "B" {
		t.Fatalf("order = %s,%s want A,B", first.EntityID, second.EntityID)
	}
	for _, want := range []string{"A", "X", "B"} {
		if evt := receive(t, all); evt.EntityID != want {
			t.Fatalf("all-projects observer got %s, want %s", evt.EntityID, want)
		}
	}
	select {
	case evt := <-got:
		t.Fatalf("p1 observer received foreign event %+v", evt)
	default:
	}
}

func TestHubRemovesFailingObserver(t *testing.T) {
	h, _ := newHub(t)
	ctx := context.Background()
	calls := make(chan struct{}, 4)
	h.Subscribe("p1", func(domain.Event) error {
		calls <- struct{}{}
		return errors.New("connection closed")
	})
	panicked := make(chan struct{}, 4)
	h.Subscribe("p1", func(domain.Event) error {
		panicked <- struct{}{}
		panic("boom")
	})
	h.Publish(ctx, domain.Event{Type: "x", ProjectID: "p1"})
	<-calls
	<-panicked
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriptionCount("p1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("failing observers still subscribed: %d", h.SubscriptionCount("p1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishPersistsToEventLog(t *testing.T) {
	h, w := newHub(t)
	ctx := context.Background()
	h.Publish(ctx, domain.Event{Type: events.TypeBugCreated, ProjectID: "p1", EntityID: "BUG-1"})
	h.Publish(ctx, domain.Event{Type: events.TypeTaskMoved, ProjectID: "p1", EntityID: "T-1"})
	h.Publish(ctx, domain.Event{Type: events.TypeBugCreated, ProjectID: "p1", EntityID: "BUG-2"})

	items, err := w.After(ctx, "p1", 0, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 || items[0].ID >= items[1].ID {
		t.Fatalf("events = %+v", items)
	}
	if !items[0].TS.Equal(fixedNow()) {
		t.Fatalf("ts = %v, want fixed clock", items[0].TS)
	}
	bugs, err := w.After(ctx, "p1", 0, 1, events.TypeBugCreated)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(bugs) != 1 || bugs[0].EntityID != "BUG-1" {
		t.Fatalf("filtered = %+v", bugs)
	}
	next, err := w.After(ctx, "p1", bugs[0].ID, 1, events.TypeBugCreated)
	if err != nil || len(next) != 1 || next[0].EntityID != "BUG-2" {
		t.Fatalf("cursor page = %+v, %v", next, err)
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	h, _ := newHub(t)
	h.Close()
	h.Publish(context.Background(), domain.Event{Type: "late", ProjectID: "p1"})
}
