package persistence

import (
	"context"

	"github.com/rs/zerolog"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

// Reconciler is the out-of-band repair job: it scans every entity index for
// dirty records and writes their full field set. The daemon never calls it.
type Reconciler struct {
	Entities  ports.EntityStore
	Durable   ports.DurableStore
	Metrics   ports.FlushMetrics
	BatchSize int
	Log       zerolog.Logger
}

type ReconcileReport struct {
	Scanned   int
	Dirty     int
	Written   int
	Failed    int
	DirtyKept int
}

func (r Reconciler) Run(ctx context.Context, types ...entity.Type) (ReconcileReport, error) {
	if len(types) == 0 {
		types = entity.Types()
	}
	size := r.BatchSize
	if size <= 0 {
		size = 200
	}
	var rep ReconcileReport
	for _, t := range types {
		ids, err := r.Entities.ListIDs(ctx, t, entity.IndexAll, "")
		if err != nil {
			return rep, err
		}
		for start := 0; start < len(ids); start += size {
			end := min(start+size, len(ids))
			if err := r.reconcile(ctx, t, ids[start:end], &rep); err != nil {
				return rep, err
			}
		}
	}
	r.Log.Info().
		Int("scanned", rep.Scanned).
		Int("dirty", rep.Dirty).
		Int("written", rep.Written).
		Int("failed", rep.Failed).
		Msg("reconcile complete")
	return rep, nil
}

func (r Reconciler) reconcile(ctx context.Context, t entity.Type, ids []string, rep *ReconcileReport) error {
	versions := make(map[string]int64, len(ids))
	var docs []ports.Document
	for _, id := range ids {
		rep.Scanned++
		stored, ok, err := r.Entities.LoadEntity(ctx, t, id)
		if err != nil {
			return err
		}
		if !ok || !stored.Dirty {
			continue
		}
		rep.Dirty++
		data, err := entity.DocumentData(t, stored.Fields)
		if err != nil {
			rep.Failed++
			r.Log.Error().Err(err).Str("key", entity.Key(t, id)).Msg("stored entity cannot be converted to a document")
			continue
		}
		docs = append(docs, ports.Document{ID: id, Version: stored.Version, Data: data, UpdatedAt: stored.UpdatedAt})
		versions[id] = stored.Version
	}
	if len(docs) == 0 {
		return nil
	}
	res, err := r.Durable.UpsertDocuments(ctx, t, docs)
	if err != nil {
		return err
	}
	for _, id := range res.Succeeded {
		rep.Written++
		cleared, err := r.Entities.ClearDirty(ctx, t, id, versions[id])
		if err != nil {
			return err
		}
		if !cleared {
			rep.DirtyKept++
		}
	}
	for id, ferr := range res.Failed {
		rep.Failed++
		r.Log.Warn().Err(ferr).Str("key", entity.Key(t, id)).Msg("reconcile write failed")
	}
	if r.Metrics != nil {
		r.Metrics.RecordFlush(t, len(res.Succeeded), len(res.Failed))
	}
	return nil
}
