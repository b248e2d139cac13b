package ports

import (
	"context"
	"time"

	"warfront/internal/domain/entity"
)

// Document is the full durable body of one entity as of Version.
type Document struct {
	ID        string
	Version   int64
	Data      map[string]any
	UpdatedAt time.Time
}

// DocumentRef names a document removal at the version of the delete.
type DocumentRef struct {
	ID      string
	Version int64
}

// BulkResult reports per-document outcomes of an unordered bulk write.
// A write the store refused because it already holds an equal or newer
// version counts as succeeded.
type BulkResult struct {
	Succeeded []string
	Failed    map[string]error
}

func (r *BulkResult) Fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[id] = err
}

// DurableStore is the write-behind replica. Upserts replace a stored document
// only when it is older than the incoming one, and deletes only remove
// documents older than the delete. A non-nil error means the whole call
// failed and nothing in it may be treated as persisted.
type DurableStore interface {
	UpsertDocuments(ctx context.Context, t entity.Type, docs []Document) (BulkResult, error)
	DeleteDocuments(ctx context.Context, t entity.Type, refs []DocumentRef) (BulkResult, error)
}
