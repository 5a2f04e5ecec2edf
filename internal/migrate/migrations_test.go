package migrate_test

import (
	"testing"

	"crewline/internal/db"
	"crewline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, err := migrate.Current(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v; want 0", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	current, err := migrate.Current(conn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != latest {
		t.Fatalf("current = %d, want %d", current, latest)
	}
	if _, err := conn.Exec(`INSERT INTO documents(project_id,kind,key,body,updated_at) VALUES ('p','k','x','{}','now')`); err != nil {
		t.Fatalf("documents table missing: %v", err)
	}
}
