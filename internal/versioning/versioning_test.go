package versioning_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"crewline/internal/collab"
	"crewline/internal/domain"
	"crewline/internal/repo"
	"crewline/internal/versioning"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

type testEnv struct {
	Versions *versioning.Store
	Bus      *collab.Bus
	Store    repo.Store
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store := repo.NewFileStore(afero.NewMemMapFs(), "/ws")
	bus := collab.NewBus(collab.Options{Actors: []string{"Alice", "Bob"}, Now: fixedNow})
	vs := versioning.New(versioning.Options{Store: store, Messenger: bus, Now: fixedNow})
	return testEnv{Versions: vs, Bus: bus, Store: store, Ctx: context.Background()}
}

func (e testEnv) snapshot(t *testing.T, doc string, content any) domain.DocumentVersion {
	t.Helper()
	v, err := e.Versions.Snapshot(e.Ctx, versioning.SnapshotRequest{
		ProjectID:    "p1",
		DocumentID:   doc,
		DocumentType: "prd",
		Content:      content,
		ChangedBy:    "Alice",
	})
	if err != nil {
		t.Fatalf("snapshot %s: %v", doc, err)
	}
	return v
}

func TestSnapshotAllocatesSequentialVersions(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.snapshot(t, "prd", map[string]any{"title": "Shop"})
	v2 := env.snapshot(t, "prd", map[string]any{"title": "Shop v2"})

	if v1.Version != 1 || v1.ParentVersion != nil {
		t.Fatalf("unexpected first version: %+v", v1)
	}
	if v2.Version != 2 || v2.ParentVersion == nil || *v2.ParentVersion != 1 {
		t.Fatalf("unexpected second version: %+v", v2)
	}
	if len(v1.ContentHash) != 12 || v1.ContentHash == v2.ContentHash {
		t.Fatalf("unexpected hashes %q %q", v1.ContentHash, v2.ContentHash)
	}

	hist, err := env.Versions.GetVersionsList(env.Ctx, "p1", "prd")
	if err != nil {
		t.Fatalf("versions list: %v", err)
	}
	if hist.CurrentVersion != 2 || len(hist.Versions) != 2 || hist.DocumentType != "prd" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	cur, err := env.Versions.GetVersion(env.Ctx, "p1", "prd", 0)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Version != 2 || cur.Content.(map[string]any)["title"] != "Shop v2" {
		t.Fatalf("unexpected current: %+v", cur)
	}
}

func TestSnapshotDefaultsAuthorAndRejectsBadContent(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Versions.Snapshot(env.Ctx, versioning.SnapshotRequest{ProjectID: "p1", DocumentID: "notes", Content: "hello\n"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if v.ChangedBy != "System" {
		t.Fatalf("changed_by = %q", v.ChangedBy)
	}
	if _, err := env.Versions.Snapshot(env.Ctx, versioning.SnapshotRequest{ProjectID: "p1", DocumentID: "notes", Content: 42}); !errors.Is(err, versioning.ErrInvalidContent) {
		t.Fatalf("expected invalid content, got %v", err)
	}
}

func TestSnapshotNormalizesStructs(t *testing.T) {
	env := newTestEnv(t)
	type archDoc struct {
		Title    string   `json:"title"`
		Features []string `json:"features"`
	}
	v := env.snapshot(t, "arch", archDoc{Title: "Arch", Features: []string{"a"}})
	m, ok := v.Structured()
	if !ok || m["title"] != "Arch" {
		t.Fatalf("expected structured content, got %#v", v.Content)
	}
}

func TestContentHashStable(t *testing.T) {
	a, err := versioning.ContentHash(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := versioning.ContentHash(map[string]any{"a": 2, "b": 1})
	if a != b {
		t.Fatalf("hash depends on key order: %s vs %s", a, b)
	}
}

func TestCompareVersionsStructured(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd", map[string]any{"features": []any{"a"}, "owner": "Alice"})
	env.snapshot(t, "prd", map[string]any{"features": []any{"a", "b"}, "status": "draft"})

	diff, err := env.Versions.CompareVersions(env.Ctx, "p1", "prd", 1, 2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !diff.IsJSONDiff {
		t.Fatalf("expected field diff")
	}
	if len(diff.Modified) != 1 || diff.Modified[0].Field != "features" ||
		diff.Modified[0].Old != "[1 items]" || diff.Modified[0].New != "[2 items]" {
		t.Fatalf("unexpected modified: %+v", diff.Modified)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "status: draft" {
		t.Fatalf("unexpected added: %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "owner: Alice" {
		t.Fatalf("unexpected removed: %v", diff.Removed)
	}
	if got := versioning.Summary(diff); got != "+1 added, -1 removed, ~1 modified" {
		t.Fatalf("summary = %q", got)
	}
}

func TestCompareVersionsText(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "readme", "line one\nline two\n")
	env.snapshot(t, "readme", "line one\nline 2\nline three\n")

	diff, err := env.Versions.CompareVersions(env.Ctx, "p1", "readme", 1, 2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff.IsJSONDiff {
		t.Fatalf("expected text diff")
	}
	if strings.Join(diff.Removed, "|") != "line two" {
		t.Fatalf("unexpected removed: %v", diff.Removed)
	}
	if strings.Join(diff.Added, "|") != "line 2|line three" {
		t.Fatalf("unexpected added: %v", diff.Added)
	}
	if !strings.Contains(diff.RawDiff, "--- v1") {
		t.Fatalf("raw diff missing header: %q", diff.RawDiff)
	}
}

func TestCompareTextKeepsDashLines(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "notes", "# PRD\n---\n-- note\nbody\n")
	env.snapshot(t, "notes", "# PRD\nbody\n")

	diff, err := env.Versions.CompareVersions(env.Ctx, "p1", "notes", 1, 2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	for _, want := range []string{"---", "-- note"} {
		if !slices.Contains(diff.Removed, want) {
			t.Fatalf("removed %v is missing %q", diff.Removed, want)
		}
	}
	if slices.Contains(diff.Added, "body") || slices.Contains(diff.Removed, "body") {
		t.Fatalf("unchanged line reported: added=%v removed=%v", diff.Added, diff.Removed)
	}
	want := fmt.Sprintf("-%d removed", len(diff.Removed))
	if got := versioning.Summary(diff); !strings.Contains(got, want) {
		t.Fatalf("summary = %q, want it to contain %q", got, want)
	}
}

func TestConcurrentSnapshotsGetDenseVersions(t *testing.T) {
	env := newTestEnv(t)
	const n = 20
	var wg sync.WaitGroup
	got := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := env.Versions.Snapshot(env.Ctx, versioning.SnapshotRequest{
				ProjectID:  "p1",
				DocumentID: "prd",
				Content:    map[string]any{"writer": i},
				ChangedBy:  fmt.Sprintf("agent-%d", i),
			})
			got[i], errs[i] = v.Version, err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}
	slices.Sort(got)
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("versions = %v, want 1..%d with no gaps or repeats", got, n)
		}
	}
	hist, err := env.Versions.GetVersionsList(env.Ctx, "p1", "prd")
	if err != nil {
		t.Fatalf("versions list: %v", err)
	}
	if len(hist.Versions) != n || hist.CurrentVersion != n {
		t.Fatalf("history = %+v", hist)
	}
	for i := 1; i <= n; i++ {
		v, err := env.Versions.GetVersion(env.Ctx, "p1", "prd", i)
		if err != nil || v.Version != i {
			t.Fatalf("version %d = %+v err = %v", i, v, err)
		}
	}
}

func TestCompareIdenticalVersions(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd", map[string]any{"title": "Shop"})
	diff, err := env.Versions.CompareVersions(env.Ctx, "p1", "prd", 1, 1)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if versioning.Summary(diff) != "No changes" {
		t.Fatalf("expected no changes, got %+v", diff)
	}
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd", map[string]any{"title": "one"})
	env.snapshot(t, "prd", map[string]any{"title": "two"})
	env.snapshot(t, "prd", map[string]any{"title": "three"})

	v, err := env.Versions.Rollback(env.Ctx, "p1", "prd", 1, "", "Bob")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v.Version != 4 || v.Content.(map[string]any)["title"] != "one" {
		t.Fatalf("unexpected rollback version: %+v", v)
	}
	if v.ChangeReason != "Rollback requested (rolled back from v3 to v1)" {
		t.Fatalf("reason = %q", v.ChangeReason)
	}
	if len(v.ChangesSummary) != 1 || v.ChangesSummary[0] != "Restored content from version 1" {
		t.Fatalf("summary = %v", v.ChangesSummary)
	}
	first, _ := env.Versions.GetVersion(env.Ctx, "p1", "prd", 1)
	if v.ContentHash != first.ContentHash {
		t.Fatalf("rollback hash %s != original %s", v.ContentHash, first.ContentHash)
	}

	for _, who := range []string{"Alice", "Bob"} {
		inbox := env.Bus.GetInbox(who)
		if len(inbox.Messages) != 1 || !strings.HasPrefix(inbox.Messages[0].Content, "ROLLBACK: prd restored to v1 content (now v4)") {
			t.Fatalf("%s inbox: %+v", who, inbox.Messages)
		}
	}
}

func TestRollbackRefusesLockedAndMissing(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd", map[string]any{"title": "one"})
	env.snapshot(t, "prd", map[string]any{"title": "two"})

	locked, err := env.Versions.LockVersion(env.Ctx, "p1", "prd", 1)
	if err != nil || !locked.Locked {
		t.Fatalf("lock: %+v %v", locked, err)
	}
	if env.Versions.CanRollback(env.Ctx, "p1", "prd", 1) {
		t.Fatalf("locked version reported as rollback target")
	}
	if _, err := env.Versions.Rollback(env.Ctx, "p1", "prd", 1, "", ""); !errors.Is(err, versioning.ErrVersionLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if _, err := env.Versions.Rollback(env.Ctx, "p1", "prd", 9, "", ""); !errors.Is(err, versioning.ErrVersionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	hist, _ := env.Versions.GetVersionsList(env.Ctx, "p1", "prd")
	if hist.CurrentVersion != 2 || len(hist.Versions) != 2 {
		t.Fatalf("chain changed by failed rollback: %+v", hist)
	}
	if !env.Versions.CanRollback(env.Ctx, "p1", "prd", 2) {
		t.Fatalf("current version should be a rollback target")
	}
}

func TestLockDoesNotMoveCurrent(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd", map[string]any{"title": "one"})
	env.snapshot(t, "prd", map[string]any{"title": "two"})
	if _, err := env.Versions.LockVersion(env.Ctx, "p1", "prd", 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := env.Versions.LockVersion(env.Ctx, "p1", "prd", 1); err != nil {
		t.Fatalf("relock: %v", err)
	}
	cur, _ := env.Versions.GetVersion(env.Ctx, "p1", "prd", 0)
	if cur.Version != 2 {
		t.Fatalf("current moved to %d", cur.Version)
	}
}

func TestUnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Versions.GetVersion(env.Ctx, "p1", "nope", 0); !errors.Is(err, versioning.ErrDocumentNotFound) || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected document not found, got %v", err)
	}
	if _, err := env.Versions.GetVersionsList(env.Ctx, "p1", "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditLogNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.Versions.Snapshot(env.Ctx, versioning.SnapshotRequest{
		ProjectID: "p1", DocumentID: "prd", Content: map[string]any{"a": 1},
		ChangedBy: "Alice", ChangesSummary: []string{"created", "seeded"},
	})
	env.snapshot(t, "arch", "text")
	env.snapshot(t, "prd", map[string]any{"a": 2})

	log, err := env.Versions.GetAuditLog(env.Ctx, "p1", 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(log))
	}
	if log[0].DocumentID != "prd" || log[0].Version != 2 || log[1].DocumentID != "arch" {
		t.Fatalf("unexpected order: %+v", log)
	}
	if log[2].ChangesSummary != "created, seeded" {
		t.Fatalf("summary = %q", log[2].ChangesSummary)
	}

	limited, _ := env.Versions.GetAuditLog(env.Ctx, "p1", 1)
	if len(limited) != 1 || limited[0].Version != 2 {
		t.Fatalf("unexpected limited log: %+v", limited)
	}
}

func TestDocumentsListsHeads(t *testing.T) {
	env := newTestEnv(t)
	env.snapshot(t, "prd/main", map[string]any{"a": 1})
	env.snapshot(t, "arch", "text")

	docs, err := env.Versions.Documents(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 2 || docs[0].DocumentID != "arch" || docs[1].DocumentID != "prd/main" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
}
