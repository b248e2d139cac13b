package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

const (
	DefaultStream = "changelog"
	DefaultGroup  = "persistence"
)

type Config struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	BatchSize        int
	Block            time.Duration
	ReclaimIdle      time.Duration
	ReclaimEvery     time.Duration
	// MaxDeliveries dead-letters an entry whose document keeps failing; zero retries forever.
	MaxDeliveries int64
}

func DefaultConfig() Config {
	return Config{
		Stream:        DefaultStream,
		Group:         DefaultGroup,
		Consumer:      "persist",
		BatchSize:     500,
		Block:         2 * time.Second,
		ReclaimIdle:   time.Minute,
		ReclaimEvery:  15 * time.Second,
		MaxDeliveries: 10,
	}
}

func (c Config) deadLetterStream() string {
	if c.DeadLetterStream != "" {
		return c.DeadLetterStream
	}
	return c.Stream + ":dead"
}

// Daemon drains the change log into the durable store. Nothing is acked
// before the durable write it describes has succeeded.
type Daemon struct {
	Streams  ports.Streams
	Entities ports.EntityStore
	Durable  ports.DurableStore
	Metrics  ports.FlushMetrics
	Config   Config
	Log      zerolog.Logger
	Now      func() time.Time
}

type Report struct {
	Claimed      int
	Written      int
	Deleted      int
	Failed       int
	Superseded   int
	// Gone counts entries whose entity was deleted before the flush.
	Gone         int
	Acked        int
	DeadLettered int
	DirtyKept    int
}

func (d Daemon) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Daemon) Run(ctx context.Context) error {
	if err := d.Streams.EnsureGroup(ctx, d.Config.Stream, d.Config.Group); err != nil {
		return fmt.Errorf("ensure group %s/%s: %w", d.Config.Stream, d.Config.Group, err)
	}
	d.Log.Info().Str("stream", d.Config.Stream).Str("consumer", d.Config.Consumer).Msg("persistence daemon started")
	var lastReclaim time.Time
	for ctx.Err() == nil {
		if d.Config.ReclaimEvery > 0 && d.now().Sub(lastReclaim) >= d.Config.ReclaimEvery {
			lastReclaim = d.now()
			if _, err := d.ReclaimOnce(ctx); err != nil && ctx.Err() == nil {
				d.Log.Warn().Err(err).Msg("reclaim failed")
			}
		}
		if _, err := d.FlushOnce(ctx); err != nil && ctx.Err() == nil {
			d.Log.Warn().Err(err).Msg("flush failed")
			sleep(ctx, d.Config.Block)
		}
	}
	d.Log.Info().Msg("persistence daemon stopped")
	return nil
}

// FlushOnce claims one batch of new entries and flushes it.
func (d Daemon) FlushOnce(ctx context.Context) (Report, error) {
	msgs, err := d.Streams.Claim(ctx, ports.ClaimRequest{
		Stream:   d.Config.Stream,
		Group:    d.Config.Group,
		Consumer: d.Config.Consumer,
		Count:    d.Config.BatchSize,
		Block:    d.Config.Block,
	})
	if err != nil || len(msgs) == 0 {
		return Report{}, err
	}
	return d.Flush(ctx, msgs), nil
}

// ReclaimOnce retries entries left pending by failed flushes or dead consumers.
func (d Daemon) ReclaimOnce(ctx context.Context) (Report, error) {
	if d.Config.ReclaimIdle <= 0 {
		return Report{}, nil
	}
	msgs, err := d.Streams.Reclaim(ctx, ports.ReclaimRequest{
		Stream:   d.Config.Stream,
		Group:    d.Config.Group,
		Consumer: d.Config.Consumer,
		MinIdle:  d.Config.ReclaimIdle,
		Count:    d.Config.BatchSize,
	})
	if err != nil || len(msgs) == 0 {
		return Report{}, err
	}
	return d.Flush(ctx, msgs), nil
}

// Flush persists one claimed batch: coalesce per entity, bulk write per type,
// clear dirty flags whose version still matches, then ack what succeeded.
func (d Daemon) Flush(ctx context.Context, msgs []ports.StreamMessage) Report {
	ctx, span := otel.Tracer("warfront/persistence").Start(ctx, "persistence flush",
		trace.WithAttributes(attribute.Int("batch.size", len(msgs))))
	defer span.End()

	rep := Report{Claimed: len(msgs)}
	var ack []string
	entries := make([]batchEntry, 0, len(msgs))
	for _, msg := range msgs {
		e, err := entity.ParseChangeLogEntry(msg.Values)
		if err != nil {
			d.Log.Error().Err(err).Str("streamId", msg.ID).Msg("malformed change-log entry")
			if d.deadLetter(ctx, msg.ID, msg.Values, msg.Deliveries, err.Error()) {
				ack = append(ack, msg.ID)
				rep.DeadLettered++
			}
			continue
		}
		entries = append(entries, batchEntry{MessageID: msg.ID, Deliveries: msg.Deliveries, Entry: e})
	}

	writes, superseded := coalesce(entries)
	rep.Superseded = superseded
	if superseded > 0 && d.Metrics != nil {
		d.Metrics.RecordCoalesced(superseded)
	}

	byType := make(map[entity.Type][]*pendingWrite)
	var types []entity.Type
	for _, w := range writes {
		if _, ok := byType[w.Key.Type]; !ok {
			types = append(types, w.Key.Type)
		}
		byType[w.Key.Type] = append(byType[w.Key.Type], w)
	}
	for _, t := range types {
		ack = append(ack, d.flushType(ctx, t, byType[t], &rep)...)
	}

	if len(ack) > 0 {
		if err := d.Streams.Ack(ctx, d.Config.Stream, d.Config.Group, ack...); err != nil {
			d.Log.Warn().Err(err).Int("count", len(ack)).Msg("ack failed, entries will be redelivered")
		} else {
			rep.Acked = len(ack)
		}
	}
	span.SetAttributes(
		attribute.Int("flush.written", rep.Written),
		attribute.Int("flush.failed", rep.Failed),
		attribute.Int("flush.superseded", rep.Superseded),
	)
	d.Log.Debug().
		Int("claimed", rep.Claimed).
		Int("written", rep.Written).
		Int("deleted", rep.Deleted).
		Int("failed", rep.Failed).
		Int("superseded", rep.Superseded).
		Msg("flush complete")
	return rep
}

// flushType writes one entity type and returns the message ids safe to ack.
// Change-log entries carry partial maps, so an upsert writes the full stored
// record, which is never older than the entries that named it.
func (d Daemon) flushType(ctx context.Context, t entity.Type, writes []*pendingWrite, rep *Report) []string {
	log := d.Log.With().Str("entityType", string(t)).Logger()
	var (
		ack     []string
		refs    []ports.DocumentRef
		docs    []ports.Document
		failed  int
		written int
	)
	persisted := make(map[string]int64)
	for _, w := range writes {
		id := w.Key.ID
		if w.Op == entity.OpDelete {
			refs = append(refs, ports.DocumentRef{ID: id, Version: w.Version})
			continue
		}
		stored, ok, err := d.Entities.LoadEntity(ctx, t, id)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("entity load failed, left pending")
			failed++
			continue
		}
		if !ok {
			// Deleted since; the delete entry removes the document.
			rep.Gone++
			ack = append(ack, w.MessageIDs...)
			continue
		}
		data, err := entity.DocumentData(t, stored.Fields)
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("stored entity cannot be converted to a document")
			ack = append(ack, d.deadLetterWrite(ctx, w, err.Error(), rep)...)
			continue
		}
		docs = append(docs, ports.Document{ID: id, Version: stored.Version, Data: data, UpdatedAt: stored.UpdatedAt})
		persisted[id] = stored.Version
	}

	var deleteRes, upsertRes ports.BulkResult
	deletesOK, upsertsOK := true, true
	if len(refs) > 0 {
		var err error
		if deleteRes, err = d.Durable.DeleteDocuments(ctx, t, refs); err != nil {
			log.Warn().Err(err).Int("count", len(refs)).Msg("bulk delete failed, deletes left pending")
			failed += len(refs)
			deletesOK = false
		}
	}
	if len(docs) > 0 {
		var err error
		if upsertRes, err = d.Durable.UpsertDocuments(ctx, t, docs); err != nil {
			log.Warn().Err(err).Int("count", len(docs)).Msg("bulk upsert failed, upserts left pending")
			failed += len(docs)
			upsertsOK = false
		}
	}

	for _, w := range writes {
		id := w.Key.ID
		if w.Op == entity.OpDelete {
			if !deletesOK {
				continue
			}
			if derr, bad := deleteRes.Failed[id]; bad {
				failed++
				ack = append(ack, d.retryOrDeadLetter(ctx, w, derr, rep)...)
				continue
			}
			rep.Deleted++
			written++
			ack = append(ack, w.MessageIDs...)
			continue
		}
		version, ok := persisted[id]
		if !ok || !upsertsOK {
			continue
		}
		if uerr, bad := upsertRes.Failed[id]; bad {
			failed++
			ack = append(ack, d.retryOrDeadLetter(ctx, w, uerr, rep)...)
			continue
		}
		written++
		rep.Written++
		cleared, err := d.Entities.ClearDirty(ctx, t, id, version)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("dirty clear failed, reconcile will revisit")
		} else if !cleared {
			rep.DirtyKept++
			log.Debug().Str("id", id).Int64("version", version).Msg("entity changed during flush, dirty kept")
		}
		ack = append(ack, w.MessageIDs...)
	}
	rep.Failed += failed
	d.record(t, written, failed)
	return ack
}

func (d Daemon) record(t entity.Type, written, failed int) {
	if d.Metrics != nil {
		d.Metrics.RecordFlush(t, written, failed)
	}
}

// retryOrDeadLetter leaves a failed document pending unless it has exhausted its deliveries.
func (d Daemon) retryOrDeadLetter(ctx context.Context, w *pendingWrite, cause error, rep *Report) []string {
	if d.Config.MaxDeliveries <= 0 || w.Deliveries < d.Config.MaxDeliveries {
		d.Log.Warn().Err(cause).Str("key", entity.Key(w.Key.Type, w.Key.ID)).Int64("deliveries", w.Deliveries).Msg("document write failed, left pending")
		return nil
	}
	return d.deadLetterWrite(ctx, w, cause.Error(), rep)
}

func (d Daemon) deadLetterWrite(ctx context.Context, w *pendingWrite, reason string, rep *Report) []string {
	values, err := entity.ChangeLogEntry{
		EntityType: w.Key.Type,
		ID:         w.Key.ID,
		Op:         w.Op,
		Version:    w.Version,
		Changes:    w.Changes,
		UpdatedAt:  w.UpdatedAt,
	}.Values()
	if err != nil {
		return nil
	}
	if !d.deadLetter(ctx, w.MessageIDs[len(w.MessageIDs)-1], values, w.Deliveries, reason) {
		return nil
	}
	rep.DeadLettered++
	return w.MessageIDs
}

func (d Daemon) deadLetter(ctx context.Context, originalID string, values map[string]string, deliveries int64, reason string) bool {
	out := make(map[string]string, len(values)+4)
	for k, v := range values {
		out[k] = v
	}
	out["originalId"] = originalID
	out["reason"] = reason
	out["deliveries"] = strconv.FormatInt(deliveries, 10)
	out["deadAt"] = strconv.FormatInt(d.now().UnixMilli(), 10)
	if _, err := d.Streams.Append(ctx, d.Config.deadLetterStream(), out); err != nil {
		d.Log.Error().Err(err).Str("streamId", originalID).Msg("dead-letter append failed")
		return false
	}
	d.Log.Error().Str("streamId", originalID).Str("reason", reason).Msg("change-log entry dead-lettered")
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 || d > time.Second {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
