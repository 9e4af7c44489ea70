package migrate_test

import (
	"context"
	"strings"
	"testing"

	"reportline/internal/db"
	"reportline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if v, err := migrate.Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version: %d %v", v, err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	for i := 0; i < 2; i++ {
		v, err := migrate.Migrate(ctx, conn)
		if err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
		if v != latest {
			t.Fatalf("run %d: version %d want %d", i, v, latest)
		}
	}
}

func TestAuditEntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO audit_entries(id,actor_id,action,resource_type,resource_id,outcome,created_at) VALUES ('a1','u1','batch.create','batch','b1','accepted','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = conn.ExecContext(ctx, `UPDATE audit_entries SET action='x' WHERE id='a1'`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only error on update, got %v", err)
	}
	_, err = conn.ExecContext(ctx, `DELETE FROM audit_entries WHERE id='a1'`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only error on delete, got %v", err)
	}
}
