package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

var ErrInjected = errors.New("injected durable failure")

type storedDocument struct {
	data      map[string]any
	version   int64
	updatedAt time.Time
}

// DocumentStore is an in-process durable store with the same version rules
// as the postgres repo: a document is replaced or removed only by a newer version.
type DocumentStore struct {
	mu      sync.RWMutex
	docs    map[entity.Type]map[string]storedDocument
	writes  map[entity.Type]int
	stale   map[entity.Type]int
	failIDs map[string]error
	failAll error
	onWrite func(entity.Type, []ports.Document)
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:    make(map[entity.Type]map[string]storedDocument),
		writes:  make(map[entity.Type]int),
		stale:   make(map[entity.Type]int),
		failIDs: make(map[string]error),
	}
}

// FailDocument makes every write of id fail until cleared with a nil error.
func (s *DocumentStore) FailDocument(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failIDs, id)
		return
	}
	s.failIDs[id] = err
}

// FailAll makes whole calls fail, as an unreachable database would.
func (s *DocumentStore) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// OnWrite runs fn at the start of every upsert, before anything is stored.
func (s *DocumentStore) OnWrite(fn func(entity.Type, []ports.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

func (s *DocumentStore) UpsertDocuments(_ context.Context, t entity.Type, docs []ports.Document) (ports.BulkResult, error) {
	s.mu.RLock()
	hook := s.onWrite
	s.mu.RUnlock()
	if hook != nil {
		hook(t, docs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var res ports.BulkResult
	if s.failAll != nil {
		return res, s.failAll
	}
	table := s.docs[t]
	if table == nil {
		table = make(map[string]storedDocument)
		s.docs[t] = table
	}
	for _, d := range docs {
		if err, bad := s.failIDs[d.ID]; bad {
			res.Fail(d.ID, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, d.ID)
		if cur, ok := table[d.ID]; ok && cur.version >= d.Version {
			s.stale[t]++
			continue
		}
		data := make(map[string]any, len(d.Data))
		for k, v := range d.Data {
			data[k] = v
		}
		table[d.ID] = storedDocument{data: data, version: d.Version, updatedAt: d.UpdatedAt}
		s.writes[t]++
	}
	return res, nil
}

func (s *DocumentStore) DeleteDocuments(_ context.Context, t entity.Type, refs []ports.DocumentRef) (ports.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res ports.BulkResult
	if s.failAll != nil {
		return res, s.failAll
	}
	for _, ref := range refs {
		if err, bad := s.failIDs[ref.ID]; bad {
			res.Fail(ref.ID, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, ref.ID)
		cur, ok := s.docs[t][ref.ID]
		if !ok {
			continue
		}
		if cur.version >= ref.Version {
			s.stale[t]++
			continue
		}
		delete(s.docs[t], ref.ID)
		s.writes[t]++
	}
	return res, nil
}

// Document returns a copy of the stored document.
func (s *DocumentStore) Document(t entity.Type, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.docs[t][id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(cur.data))
	for k, v := range cur.data {
		out[k] = v
	}
	return out, true
}

// Version is the version of the stored document, zero when absent.
func (s *DocumentStore) Version(t entity.Type, id string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[t][id].version
}

// Writes counts document writes and deletes that changed the store, per type.
func (s *DocumentStore) Writes(t entity.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[t]
}

// Stale counts writes and deletes refused because the stored version was not older.
func (s *DocumentStore) Stale(t entity.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale[t]
}
