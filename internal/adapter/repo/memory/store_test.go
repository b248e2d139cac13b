package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func TestUpsertNeverReplacesNewerVersion(t *testing.T) {
	s := NewDocumentStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if _, err := s.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{
		{ID: "f1", Version: 3, Data: map[string]any{"name": "North", "treasury": int64(30)}, UpdatedAt: now},
	}); err != nil {
		t.Fatalf("upsert v3: %v", err)
	}
	res, err := s.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{
		{ID: "f1", Version: 2, Data: map[string]any{"name": "North", "treasury": int64(20)}, UpdatedAt: now},
	})
	if err != nil || len(res.Succeeded) != 1 {
		t.Fatalf("stale upsert must still succeed: %+v %v", res, err)
	}
	doc, _ := s.Document(entity.TypeFaction, "f1")
	if doc["treasury"] != int64(30) || s.Version(entity.TypeFaction, "f1") != 3 {
		t.Fatalf("stale write replaced the newer document: %v", doc)
	}
	if s.Writes(entity.TypeFaction) != 1 || s.Stale(entity.TypeFaction) != 1 {
		t.Fatalf("writes=%d stale=%d", s.Writes(entity.TypeFaction), s.Stale(entity.TypeFaction))
	}

	if _, err := s.UpsertDocuments(ctx, entity.TypeFaction, []ports.Document{
		{ID: "f1", Version: 4, Data: map[string]any{"name": "North"}, UpdatedAt: now},
	}); err != nil {
		t.Fatalf("upsert v4: %v", err)
	}
	doc, _ = s.Document(entity.TypeFaction, "f1")
	if _, kept := doc["treasury"]; kept {
		t.Fatalf("a newer document replaces the body, got %v", doc)
	}
}

func TestDeleteKeepsRecreatedDocument(t *testing.T) {
	s := NewDocumentStore()
	ctx := context.Background()
	if _, err := s.UpsertDocuments(ctx, entity.TypeCommander, []ports.Document{
		{ID: "c1", Version: 5, Data: map[string]any{"name": "Again"}},
		{ID: "c2", Version: 1, Data: map[string]any{"name": "Gone"}},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err := s.DeleteDocuments(ctx, entity.TypeCommander, []ports.DocumentRef{{ID: "c1", Version: 4}, {ID: "c2", Version: 2}})
	if err != nil || len(res.Succeeded) != 2 {
		t.Fatalf("delete: %+v %v", res, err)
	}
	if _, ok := s.Document(entity.TypeCommander, "c1"); !ok {
		t.Fatal("an older delete removed the recreated document")
	}
	if _, ok := s.Document(entity.TypeCommander, "c2"); ok {
		t.Fatal("expected c2 removed")
	}
}

func TestInjectedFailures(t *testing.T) {
	s := NewDocumentStore()
	ctx := context.Background()
	s.FailDocument("c2", ErrInjected)
	res, err := s.UpsertDocuments(ctx, entity.TypeCommander, []ports.Document{{ID: "c1", Version: 1}, {ID: "c2", Version: 1}})
	if err != nil || len(res.Succeeded) != 1 || !errors.Is(res.Failed["c2"], ErrInjected) {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	s.FailAll(ErrInjected)
	if _, err := s.DeleteDocuments(ctx, entity.TypeCommander, []ports.DocumentRef{{ID: "c1", Version: 2}}); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected whole-call failure, got %v", err)
	}
}
