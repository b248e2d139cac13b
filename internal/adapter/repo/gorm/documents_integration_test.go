package gormrepo

import (
	"context"
	"os"
	"testing"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func requireDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("WARFRONT_DB_DSN")
	if dsn == "" {
		t.Skip("WARFRONT_DB_DSN is required for integration test")
	}
	return dsn
}

func openMigrated(t *testing.T) DocumentRepo {
	t.Helper()
	db, err := OpenPostgres(requireDSN(t), PoolOptions{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, err := ApplyMigrations(context.Background(), db, "../../../../db/migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewDocumentRepo(db)
}

func TestDocumentRepo_UpsertKeepsNewestVersion(t *testing.T) {
	repo := openMigrated(t)
	ctx := context.Background()
	id := "it-version-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_, _ = repo.DeleteDocuments(context.Background(), entity.TypeFaction, []ports.DocumentRef{{ID: id, Version: 1 << 62}})
	})

	first := time.Now().UTC().Truncate(time.Millisecond)
	res, err := repo.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{{
		ID: id, Version: 3, Data: map[string]any{"name": "North", "treasury": 30}, UpdatedAt: first,
	}})
	if err != nil || len(res.Succeeded) != 1 {
		t.Fatalf("first upsert: %+v %v", res, err)
	}
	res, err = repo.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{{
		ID: id, Version: 2, Data: map[string]any{"name": "North", "treasury": 20}, UpdatedAt: first.Add(time.Second),
	}})
	if err != nil || len(res.Succeeded) != 1 {
		t.Fatalf("stale upsert should report success: %+v %v", res, err)
	}

	doc, ok, err := repo.LoadDocument(ctx, entity.TypeFaction, id)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if doc.Version != 3 || doc.Data["treasury"] != float64(30) || !doc.UpdatedAt.Equal(first) {
		t.Fatalf("stale write replaced the newer row: %+v", doc)
	}

	if _, err := repo.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{{
		ID: id, Version: 4, Data: map[string]any{"name": "North"}, UpdatedAt: first.Add(2 * time.Second),
	}}); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
	doc, _, _ = repo.LoadDocument(ctx, entity.TypeFaction, id)
	if doc.Version != 4 || doc.Data["treasury"] != nil {
		t.Fatalf("expected the newer body to replace the row, got %+v", doc)
	}
}

func TestDocumentRepo_DeleteRespectsVersion(t *testing.T) {
	repo := openMigrated(t)
	ctx := context.Background()
	ids := []string{"it-del-a", "it-del-b"}
	docs := []ports.Document{
		{ID: ids[0], Version: 1, Data: map[string]any{"name": "A"}, UpdatedAt: time.Now()},
		{ID: ids[1], Version: 5, Data: map[string]any{"name": "B"}, UpdatedAt: time.Now()},
	}
	t.Cleanup(func() {
		_, _ = repo.DeleteDocuments(context.Background(), entity.TypeCommander, []ports.DocumentRef{{ID: ids[1], Version: 1 << 62}})
	})
	if _, err := repo.UpsertDocuments(ctx, entity.TypeCommander, docs); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err := repo.DeleteDocuments(ctx, entity.TypeCommander, []ports.DocumentRef{{ID: ids[0], Version: 2}, {ID: ids[1], Version: 4}})
	if err != nil || len(res.Succeeded) != 2 {
		t.Fatalf("delete: %+v %v", res, err)
	}
	if _, ok, _ := repo.LoadDocument(ctx, entity.TypeCommander, ids[0]); ok {
		t.Fatalf("document %s still present", ids[0])
	}
	if _, ok, _ := repo.LoadDocument(ctx, entity.TypeCommander, ids[1]); !ok {
		t.Fatalf("an older delete removed the recreated document %s", ids[1])
	}
}

func TestTableFor(t *testing.T) {
	if name, err := TableFor(entity.TypeRelation); err != nil || name != "relations" {
		t.Fatalf("unexpected table: %q %v", name, err)
	}
	if _, err := TableFor(entity.Type("army")); err == nil {
		t.Fatalf("unknown type must not map to a table")
	}
}
