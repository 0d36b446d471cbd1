package migrate_test

import (
	"context"
	"testing"

	"portability/internal/db"
	"portability/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate #%d: %v", i+1, err)
		}
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Fatalf("schema version = %d, want 2", v)
	}
	for _, table := range []string{"requests", "events", "jobs"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
