package repo_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"crewline/internal/db"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newSQLStore(t *testing.T) repo.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := repo.NewSQLStore(conn)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFileStore(t *testing.T) repo.Store {
	t.Helper()
	return repo.NewFileStore(afero.NewMemMapFs(), "/state")
}

func eachStore(t *testing.T, fn func(t *testing.T, s repo.Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLStore(t)) })
	t.Run("files", func(t *testing.T) { fn(t, newFileStore(t)) })
}

func TestDocumentsReplaceWhole(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		var got doc
		if err := s.Get(ctx, "p1", "board", "state", &got); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := s.Put(ctx, "p1", "board", "state", doc{Name: "a", Count: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.Put(ctx, "p1", "board", "state", doc{Name: "b"}); err != nil {
			t.Fatalf("put again: %v", err)
		}
		if err := s.Get(ctx, "p1", "board", "state", &got); err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Name != "b" || got.Count != 0 {
			t.Fatalf("got %+v, want whole replacement", got)
		}
		if err := s.Get(ctx, "p2", "board", "state", &got); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("projects must be partitioned, got %v", err)
		}
	})
}

func TestKeysAndProjects(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		for _, key := range []string{"BUG-B", "BUG-A"} {
			if err := s.Put(ctx, "p1", "bugs", key, doc{Name: key}); err != nil {
				t.Fatalf("put %s: %v", key, err)
			}
		}
		if err := s.Put(ctx, "p2", "versions/prd", "1", doc{}); err != nil {
			t.Fatalf("put nested kind: %v", err)
		}
		keys, err := s.Keys(ctx, "p1", "bugs")
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 2 || keys[0] != "BUG-A" || keys[1] != "BUG-B" {
			t.Fatalf("keys = %v", keys)
		}
		empty, err := s.Keys(ctx, "p1", "missing")
		if err != nil || len(empty) != 0 {
			t.Fatalf("missing kind keys = %v, %v", empty, err)
		}
		projects, err := s.Projects(ctx)
		if err != nil {
			t.Fatalf("projects: %v", err)
		}
		if len(projects) != 2 || projects[0] != "p1" || projects[1] != "p2" {
			t.Fatalf("projects = %v", projects)
		}
	})
}

func TestStreamsAppendInOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		var last int64
		for i := 1; i <= 3; i++ {
			seq, err := s.Append(ctx, "p1", "audit", doc{Count: i})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if seq <= last {
				t.Fatalf("seq %d not increasing after %d", seq, last)
			}
			last = seq
		}
		if _, err := s.Append(ctx, "p1", "other", doc{Count: 99}); err != nil {
			t.Fatalf("append other: %v", err)
		}
		all, err := repo.ReadAll[doc](ctx, s, "p1", "audit")
		if err != nil {
			t.Fatalf("read all: %v", err)
		}
		if len(all) != 3 || all[0].Count != 1 || all[2].Count != 3 {
			t.Fatalf("records = %+v", all)
		}
		records, err := s.Read(ctx, "p1", "audit", 0, 2)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("limit ignored: %d records", len(records))
		}
		rest, err := s.Read(ctx, "p1", "audit", records[1].Seq, 0)
		if err != nil {
			t.Fatalf("read after: %v", err)
		}
		if len(rest) != 1 {
			t.Fatalf("cursor read = %d records, want 1", len(rest))
		}
	})
}

func TestFileStoreTreatsCorruptDocumentAsNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := repo.NewFileStore(fs, "/state")
	ctx := context.Background()
	if err := s.Put(ctx, "p1", "backlog", "backlog", doc{Name: "ok"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := afero.WriteFile(fs, "/state/projects/p1/backlog/backlog.json", []byte("{\"name\":"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	var got doc
	err := s.Get(ctx, "p1", "backlog", "backlog", &got)
	if !errors.Is(err, repo.ErrNotFound) || !errors.Is(err, repo.ErrCorrupt) {
		t.Fatalf("expected corrupt not-found error, got %v", err)
	}
}

func TestFileStoreAppendAfterTornLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	s := repo.NewFileStore(fs, "/state")
	if _, err := s.Append(ctx, "p1", "audit_log", doc{Name: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := fs.OpenFile("/state/projects/p1/audit_log.jsonl", os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := f.Write([]byte(`{"seq":2,"bo`)); err != nil {
		t.Fatalf("tear: %v", err)
	}
	f.Close()

	restarted := repo.NewFileStore(fs, "/state")
	seq, err := restarted.Append(ctx, "p1", "audit_log", doc{Name: "second"})
	if err != nil || seq != 2 {
		t.Fatalf("append after torn line = %d, %v", seq, err)
	}
	recs, err := restarted.Read(ctx, "p1", "audit_log", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	var got doc
	if err := recs[1].Decode(&got); err != nil || got.Name != "second" || recs[1].Seq != 2 {
		t.Fatalf("second record = %+v (%v)", recs[1], err)
	}
}

func TestFileStoreKeepsSimilarNamesApart(t *testing.T) {
	ctx := context.Background()
	s := repo.NewFileStore(afero.NewMemMapFs(), "/state")
	for _, project := range []string{"a/b", "a_b", ".."} {
		if err := s.Put(ctx, project, "notes", "k/1", doc{Name: project}); err != nil {
			t.Fatalf("put %s: %v", project, err)
		}
	}
	if err := s.Put(ctx, "a_b", "notes", "k_1", doc{Name: "other key"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, project := range []string{"a/b", "a_b", ".."} {
		var got doc
		if err := s.Get(ctx, project, "notes", "k/1", &got); err != nil || got.Name != project {
			t.Fatalf("get %s = %+v, %v", project, got, err)
		}
	}
	projects, err := s.Projects(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if strings.Join(projects, ",") != "..,a/b,a_b" {
		t.Fatalf("projects = %v", projects)
	}
	keys, err := s.Keys(ctx, "a_b", "notes")
	if err != nil || strings.Join(keys, ",") != "k/1,k_1" {
		t.Fatalf("keys = %v, %v", keys, err)
	}
}
