package persistence

import (
	"sort"
	"time"

	"warfront/internal/domain/entity"
)

type entityKey struct {
	Type entity.Type
	ID   string
}

// pendingWrite is every change-log entry of one entity in a batch folded into
// a single durable write.
type pendingWrite struct {
	Key       entityKey
	Op        entity.Op
	Version   int64
	UpdatedAt time.Time
	// Changes is the merged partial map, kept for dead letters.
	Changes    map[string]string
	MessageIDs []string
	Deliveries int64
}

type batchEntry struct {
	MessageID  string
	Deliveries int64
	Entry      entity.ChangeLogEntry
}

// coalesce merges entries per entity in version order, never stream order.
// It returns the writes in a stable order and how many entries were folded away.
func coalesce(entries []batchEntry) ([]*pendingWrite, int) {
	sorted := make([]batchEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Entry.Version < sorted[j].Entry.Version
	})

	byKey := make(map[entityKey]*pendingWrite)
	var order []entityKey
	superseded := 0
	for _, be := range sorted {
		e := be.Entry
		k := entityKey{Type: e.EntityType, ID: e.ID}
		w, ok := byKey[k]
		if !ok {
			w = &pendingWrite{Key: k, Changes: map[string]string{}}
			byKey[k] = w
			order = append(order, k)
		} else {
			superseded++
		}
		w.MessageIDs = append(w.MessageIDs, be.MessageID)
		if be.Deliveries > w.Deliveries {
			w.Deliveries = be.Deliveries
		}
		if e.Version < w.Version {
			continue
		}
		if e.Op == entity.OpDelete || w.Op == entity.OpDelete {
			w.Changes = map[string]string{}
		}
		w.Op = e.Op
		w.Version = e.Version
		w.UpdatedAt = e.UpdatedAt
		for name, v := range e.Changes {
			w.Changes[name] = v
		}
	}

	out := make([]*pendingWrite, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out, superseded
}
