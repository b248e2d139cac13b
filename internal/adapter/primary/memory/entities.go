package memory

import (
	"context"
	"strconv"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func (s *Store) LoadEntity(_ context.Context, t entity.Type, id string) (ports.StoredEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[entity.Key(t, id)]
	if !ok {
		return ports.StoredEntity{}, false, nil
	}
	fields := make(map[string]string, len(cur))
	for k, v := range cur {
		fields[k] = v
	}
	return ports.StoredEntity{
		Type:      t,
		ID:        id,
		Version:   storedVersion(cur),
		Dirty:     cur[entity.FieldDirty] == "1",
		UpdatedAt: time.UnixMilli(storedInt(cur, entity.FieldUpdatedAt)).UTC(),
		Fields:    fields,
	}, true, nil
}

func (s *Store) WriteEntity(_ context.Context, w ports.EntityWrite) (ports.WriteResult, error) {
	schema, ok := entity.SchemaOf(w.Type)
	if !ok {
		return ports.WriteResult{}, entity.ErrUnknownType
	}
	now := w.Now
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.Step != nil && s.stepAppliedLocked(w.Step.CommandID, w.Step.Step, now) {
		return ports.WriteResult{}, ports.ErrStepApplied
	}

	key := entity.Key(w.Type, w.ID)
	cur, exists := s.entities[key]
	switch w.Op {
	case entity.OpCreate:
		if exists {
			return ports.WriteResult{}, ports.ErrConflict
		}
	case entity.OpUpdate, entity.OpDelete:
		if !exists {
			return ports.WriteResult{}, ports.ErrNotFound
		}
		if w.ExpectedVersion > 0 && storedVersion(cur) != w.ExpectedVersion {
			return ports.WriteResult{}, ports.ErrConflict
		}
	default:
		return ports.WriteResult{}, ports.ErrInvariant
	}

	version := storedVersion(cur) + 1
	if !exists {
		version = s.tombstones[key] + 1
	}
	for index, field := range schema.Indexes {
		old := cur[field]
		next := ""
		if w.Op != entity.OpDelete {
			next = w.Fields[field]
		}
		if old != "" && old != next {
			s.srem(entity.IndexKey(w.Type, index, old), w.ID)
		}
		if next != "" {
			s.sadd(entity.IndexKey(w.Type, index, next), w.ID)
		}
	}

	allKey := entity.IndexKey(w.Type, entity.IndexAll, "")
	changes := w.Changes
	if w.Op == entity.OpDelete {
		delete(s.entities, key)
		s.tombstones[key] = version
		s.srem(allKey, w.ID)
		changes = map[string]string{}
	} else {
		fields := make(map[string]string, len(w.Fields)+4)
		for k, v := range w.Fields {
			fields[k] = v
		}
		fields[entity.FieldID] = w.ID
		fields[entity.FieldVersion] = strconv.FormatInt(version, 10)
		fields[entity.FieldDirty] = "1"
		fields[entity.FieldUpdatedAt] = strconv.FormatInt(now.UnixMilli(), 10)
		s.entities[key] = fields
		delete(s.tombstones, key)
		s.sadd(allKey, w.ID)
	}
	if err := s.appendChangeLog(w.Type, w.ID, w.Op, version, changes, now); err != nil {
		return ports.WriteResult{}, err
	}
	if w.Step != nil {
		s.recordStepLocked(*w.Step, now)
	}
	return ports.WriteResult{Version: version, UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

func (s *Store) ClearDirty(_ context.Context, t entity.Type, id string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[entity.Key(t, id)]
	if !ok || storedVersion(cur) != version {
		return false, nil
	}
	cur[entity.FieldDirty] = "0"
	return true, nil
}

func (s *Store) ListIDs(_ context.Context, t entity.Type, index, parent string) ([]string, error) {
	if index == "" {
		index = entity.IndexAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members(entity.IndexKey(t, index, parent)), nil
}
