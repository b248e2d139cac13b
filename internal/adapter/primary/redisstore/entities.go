package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func tombstoneKey(t entity.Type, id string) string { return entity.Key(t, id) + ":tomb" }

func (s *Store) LoadEntity(ctx context.Context, t entity.Type, id string) (ports.StoredEntity, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, entity.Key(t, id)).Result()
	if err != nil {
		return ports.StoredEntity{}, false, eris.Wrapf(err, "load %s", entity.Key(t, id))
	}
	if len(fields) == 0 {
		return ports.StoredEntity{}, false, nil
	}
	version, _ := strconv.ParseInt(fields[entity.FieldVersion], 10, 64)
	updated, _ := strconv.ParseInt(fields[entity.FieldUpdatedAt], 10, 64)
	return ports.StoredEntity{
		Type:      t,
		ID:        id,
		Version:   version,
		Dirty:     fields[entity.FieldDirty] == "1",
		UpdatedAt: time.UnixMilli(updated).UTC(),
		Fields:    fields,
	}, true, nil
}

func (s *Store) WriteEntity(ctx context.Context, w ports.EntityWrite) (ports.WriteResult, error) {
	schema, ok := entity.SchemaOf(w.Type)
	if !ok {
		return ports.WriteResult{}, entity.ErrUnknownType
	}
	switch w.Op {
	case entity.OpCreate, entity.OpUpdate, entity.OpDelete:
	default:
		return ports.WriteResult{}, ports.ErrInvariant
	}
	now := w.Now
	if now.IsZero() {
		now = s.now()
	}

	fields := w.Fields
	if fields == nil || w.Op == entity.OpDelete {
		fields = map[string]string{}
	}
	changes := w.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	indexNames := make([]string, 0, len(schema.Indexes))
	for name := range schema.Indexes {
		indexNames = append(indexNames, name)
	}
	sort.Strings(indexNames)
	indexes := make([][2]string, 0, len(indexNames))
	for _, name := range indexNames {
		indexes = append(indexes, [2]string{entity.IndexKey(w.Type, name, "") + ":", schema.Indexes[name]})
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return ports.WriteResult{}, eris.Wrap(err, "encode fields")
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return ports.WriteResult{}, eris.Wrap(err, "encode changes")
	}
	indexesJSON, err := json.Marshal(indexes)
	if err != nil {
		return ports.WriteResult{}, eris.Wrap(err, "encode indexes")
	}

	var journal, step string
	var journalTTL int64 = 1
	if w.Step != nil {
		journal, step, journalTTL = stepsKey(w.Step.CommandID), w.Step.Step, millis(w.Step.JournalTTL())
	}

	ms := now.UnixMilli()
	version, err := writeEntityScript.Run(ctx, s.rdb,
		[]string{
			entity.Key(w.Type, w.ID),
			tombstoneKey(w.Type, w.ID),
			entity.IndexKey(w.Type, entity.IndexAll, ""),
			s.opts.ChangeLogStream,
			journal,
		},
		string(w.Op), w.ExpectedVersion, w.ID, strconv.FormatInt(ms, 10),
		string(fieldsJSON), string(changesJSON), string(indexesJSON), string(w.Type),
		step, journalTTL,
	).Int64()
	if err != nil {
		return ports.WriteResult{}, scriptError(err, "write "+entity.Key(w.Type, w.ID))
	}
	s.maybeTrim(ctx, s.opts.ChangeLogStream)
	return ports.WriteResult{Version: version, UpdatedAt: time.UnixMilli(ms).UTC()}, nil
}

func (s *Store) ClearDirty(ctx context.Context, t entity.Type, id string, version int64) (bool, error) {
	n, err := clearDirtyScript.Run(ctx, s.rdb, []string{entity.Key(t, id)}, version).Int()
	if err != nil {
		return false, eris.Wrapf(err, "clear dirty %s", entity.Key(t, id))
	}
	return n == 1, nil
}

func (s *Store) ListIDs(ctx context.Context, t entity.Type, index, parent string) ([]string, error) {
	if index == "" {
		index = entity.IndexAll
	}
	ids, err := s.rdb.SMembers(ctx, entity.IndexKey(t, index, parent)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(err, "list %s", entity.IndexKey(t, index, parent))
	}
	sort.Strings(ids)
	return ids, nil
}
