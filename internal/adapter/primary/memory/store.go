package memory

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type Options struct {
	ChangeLogStream string
	// StreamMaxLen caps every stream; only fully delivered, acknowledged entries are trimmed.
	StreamMaxLen int64
	FinalizedTTL time.Duration
	Now          func() time.Time
}

// Store keeps every primary-store structure in process memory. Entities,
// streams and reservations share one lock so a write and its change-log
// entry commit together.
type Store struct {
	opts Options

	mu         sync.Mutex
	entities   map[string]map[string]string
	tombstones map[string]int64
	sets       map[string]map[string]struct{}
	streams    map[string]*stream
	finalized  map[string]time.Time
	steps      map[string]stepJournal
	wake       chan struct{}

	expiring *xsync.MapOf[string, expiringValue]
	results  *xsync.MapOf[string, resultValue]
	battles  *xsync.MapOf[string, battleRecord]
	active   *xsync.MapOf[string, struct{}]
	events   *xsync.MapOf[string, [][]byte]

	subsMu  sync.RWMutex
	subs    map[uint64]chan ports.Invalidation
	nextSub uint64
}

type expiringValue struct {
	value   string
	expires time.Time
}

func (v expiringValue) live(now time.Time) bool {
	return v.expires.IsZero() || now.Before(v.expires)
}

func NewStore(opts Options) *Store {
	if opts.ChangeLogStream == "" {
		opts.ChangeLogStream = "changelog"
	}
	if opts.FinalizedTTL <= 0 {
		opts.FinalizedTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:       opts,
		entities:   make(map[string]map[string]string),
		tombstones: make(map[string]int64),
		sets:       make(map[string]map[string]struct{}),
		streams:    make(map[string]*stream),
		finalized:  make(map[string]time.Time),
		steps:      make(map[string]stepJournal),
		wake:       make(chan struct{}),
		expiring:   xsync.NewMapOf[string, expiringValue](),
		results:    xsync.NewMapOf[string, resultValue](),
		battles:    xsync.NewMapOf[string, battleRecord](),
		active:     xsync.NewMapOf[string, struct{}](),
		events:     xsync.NewMapOf[string, [][]byte](),
		subs:       make(map[uint64]chan ports.Invalidation),
	}
}

func (s *Store) now() time.Time { return s.opts.Now() }

func (s *Store) sadd(key, member string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
}

func (s *Store) srem(key, member string) {
	set, ok := s.sets[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, key)
	}
}

func (s *Store) members(key string) []string {
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// appendChangeLog must run under s.mu, inside the write it records.
func (s *Store) appendChangeLog(t entity.Type, id string, op entity.Op, version int64, changes map[string]string, at time.Time) error {
	values, err := entity.ChangeLogEntry{
		EntityType: t,
		ID:         id,
		Op:         op,
		Version:    version,
		Changes:    changes,
		UpdatedAt:  at,
	}.Values()
	if err != nil {
		return err
	}
	s.appendLocked(s.opts.ChangeLogStream, values)
	return nil
}

func storedVersion(fields map[string]string) int64 {
	n, _ := strconv.ParseInt(fields[entity.FieldVersion], 10, 64)
	return n
}

func storedInt(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}
