package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhookDispatcherFiltersAndSigns(t *testing.T) {
	got := make(chan delivery, 8)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got <- delivery{header: r.Header.Clone(), body: data}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	w := &events.Writer{Store: repo.NewFileStore(afero.NewMemMapFs(), "/"), Now: time.Now}
	hub := events.NewHub(events.HubOptions{Writer: w})
	defer hub.Close()

	d, err := NewWebhookDispatcher([]config.Webhook{{
		URL:     receiver.URL,
		Events:  []string{"bug_*"},
		Project: "shop",
		Secret:  "hook-secret",
	}}, hub, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriptionCount(events.AllProjects) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(ctx, domain.Event{Type: events.TypeTaskMoved, ProjectID: "shop", EntityID: "T1"})
	hub.Publish(ctx, domain.Event{Type: events.TypeBugCreated, ProjectID: "other", EntityID: "BUG-0"})
	hub.Publish(ctx, domain.Event{Type: events.TypeBugCreated, ProjectID: "shop", EntityID: "BUG-1"})

	var dl delivery
	select {
	case dl = <-got:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for webhook delivery")
	}
	if dl.header.Get("X-Crewline-Event") != events.TypeBugCreated || dl.header.Get("X-Crewline-Project") != "shop" {
		t.Fatalf("unexpected headers %v", dl.header)
	}
	var evt domain.Event
	if err := json.Unmarshal(dl.body, &evt); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if evt.EntityID != "BUG-1" {
		t.Fatalf("delivered %s, want BUG-1", evt.EntityID)
	}
	token := strings.TrimPrefix(dl.header.Get("Authorization"), "Bearer ")
	eventType, err := VerifyDelivery("hook-secret", token, dl.body)
	if err != nil {
		t.Fatalf("verify delivery: %v", err)
	}
	if eventType != events.TypeBugCreated {
		t.Fatalf("token event = %s", eventType)
	}
	if _, err := VerifyDelivery("hook-secret", token, append(dl.body, ' ')); err == nil {
		t.Fatalf("expected digest mismatch for altered body")
	}
	if _, err := VerifyDelivery("wrong", token, dl.body); err == nil {
		t.Fatalf("expected signature failure for wrong secret")
	}

	select {
	case extra := <-got:
		t.Fatalf("unexpected extra delivery %s", extra.header.Get("X-Crewline-Event"))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventFilter(t *testing.T) {
	f, err := newEventFilter([]string{"bug_*", "version_locked"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for evt, want := range map[string]bool{
		"bug_created":    true,
		"bug_escalated":  true,
		"version_locked": true,
		"task_moved":     false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%s) = %v, want %v", evt, !want, want)
		}
	}
	all, err := newEventFilter(nil)
	if err != nil || !all.match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}
