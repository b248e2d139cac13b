package gormrepo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"warfront/internal/adapter/repo/gorm/model"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

// DocumentRepo is the durable store: one jsonb document table per entity type.
type DocumentRepo struct {
	db *gorm.DB
}

func NewDocumentRepo(db *gorm.DB) DocumentRepo {
	return DocumentRepo{db: db}
}

func TableFor(t entity.Type) (string, error) {
	switch t {
	case entity.TypeCommander, entity.TypeSettlement, entity.TypeFaction, entity.TypeRelation:
		return string(t) + "s", nil
	}
	return "", entity.ErrUnknownType
}

// UpsertDocuments writes all documents in one statement. A stored row is
// replaced only when its version is older than the incoming one, so a
// redelivered stale write leaves the newer row alone and still reports
// success. If the database refuses the batch, each document is retried alone
// to isolate the bad ones; connection-level failures fail the whole call.
func (r DocumentRepo) UpsertDocuments(ctx context.Context, t entity.Type, docs []ports.Document) (ports.BulkResult, error) {
	var res ports.BulkResult
	if len(docs) == 0 {
		return res, nil
	}
	table, err := TableFor(t)
	if err != nil {
		return res, err
	}
	rows := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		raw, err := json.Marshal(d.Data)
		if err != nil {
			res.Fail(d.ID, eris.Wrapf(err, "encode document %s", d.ID))
			continue
		}
		rows = append(rows, model.Document{ID: d.ID, Data: string(raw), Version: d.Version, UpdatedAt: d.UpdatedAt.UTC()})
	}
	if len(rows) == 0 {
		return res, nil
	}

	err = r.upsert(ctx, table, rows)
	if err == nil {
		for _, row := range rows {
			res.Succeeded = append(res.Succeeded, row.ID)
		}
		return res, nil
	}
	if !isStatementError(err) {
		return ports.BulkResult{}, eris.Wrapf(err, "upsert %s", table)
	}
	for _, row := range rows {
		if err := r.upsert(ctx, table, []model.Document{row}); err != nil {
			if !isStatementError(err) {
				return ports.BulkResult{}, eris.Wrapf(err, "upsert %s", table)
			}
			res.Fail(row.ID, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, row.ID)
	}
	return res, nil
}

func (r DocumentRepo) upsert(ctx context.Context, table string, rows []model.Document) error {
	return r.db.WithContext(ctx).Table(table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "version", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr(table + ".version < EXCLUDED.version"),
		}},
	}).Create(&rows).Error
}

// DeleteDocuments removes each document whose stored version is older than
// the delete. A newer row belongs to a later recreate and is kept.
func (r DocumentRepo) DeleteDocuments(ctx context.Context, t entity.Type, refs []ports.DocumentRef) (ports.BulkResult, error) {
	var res ports.BulkResult
	if len(refs) == 0 {
		return res, nil
	}
	table, err := TableFor(t)
	if err != nil {
		return res, err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ref := range refs {
			if err := tx.Table(table).Where("id = ? AND version < ?", ref.ID, ref.Version).Delete(&model.Document{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ports.BulkResult{}, eris.Wrapf(err, "delete from %s", table)
	}
	for _, ref := range refs {
		res.Succeeded = append(res.Succeeded, ref.ID)
	}
	return res, nil
}

// LoadDocument reads one document back, used by repair tooling and tests.
func (r DocumentRepo) LoadDocument(ctx context.Context, t entity.Type, id string) (ports.Document, bool, error) {
	table, err := TableFor(t)
	if err != nil {
		return ports.Document{}, false, err
	}
	var m model.Document
	if err := r.db.WithContext(ctx).Table(table).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Document{}, false, nil
		}
		return ports.Document{}, false, eris.Wrapf(err, "load %s/%s", table, id)
	}
	doc := ports.Document{ID: m.ID, Version: m.Version, UpdatedAt: m.UpdatedAt}
	if err := json.Unmarshal([]byte(m.Data), &doc.Data); err != nil {
		return ports.Document{}, false, eris.Wrapf(err, "decode %s/%s", table, id)
	}
	return doc, true, nil
}

// isStatementError reports whether postgres rejected the statement itself,
// as opposed to the connection failing.
func isStatementError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
