package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"warfront/internal/app/ports"
)

var ErrNoGroup = errors.New("consumer group does not exist")

type streamEntry struct {
	id     string
	seq    uint64
	values map[string]string
}

type pendingEntry struct {
	seq         uint64
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type consumerGroup struct {
	lastSeq uint64
	pending map[string]*pendingEntry
}

type stream struct {
	entries []streamEntry
	lastMs  int64
	inMs    uint64
	nextSeq uint64
	groups  map[string]*consumerGroup
}

func (s *Store) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*consumerGroup)}
		s.streams[name] = st
	}
	return st
}

func (s *Store) appendLocked(name string, values map[string]string) string {
	st := s.streamLocked(name)
	ms := s.now().UnixMilli()
	if ms <= st.lastMs {
		ms = st.lastMs
		st.inMs++
	} else {
		st.lastMs = ms
		st.inMs = 0
	}
	st.nextSeq++
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	id := fmt.Sprintf("%d-%d", ms, st.inMs)
	st.entries = append(st.entries, streamEntry{id: id, seq: st.nextSeq, values: copied})
	s.trimLocked(st)
	close(s.wake)
	s.wake = make(chan struct{})
	return id
}

func (s *Store) trimLocked(st *stream) {
	if s.opts.StreamMaxLen <= 0 || int64(len(st.entries)) <= s.opts.StreamMaxLen {
		return
	}
	drop := 0
	for drop < len(st.entries) && int64(len(st.entries)-drop) > s.opts.StreamMaxLen {
		e := st.entries[drop]
		if !st.settled(e) {
			break
		}
		drop++
	}
	st.entries = st.entries[drop:]
}

func (st *stream) settled(e streamEntry) bool {
	for _, g := range st.groups {
		if e.seq > g.lastSeq {
			return false
		}
		if _, pending := g.pending[e.id]; pending {
			return false
		}
	}
	return true
}

func (st *stream) entry(seq uint64) (streamEntry, bool) {
	i := sort.Search(len(st.entries), func(i int) bool { return st.entries[i].seq >= seq })
	if i < len(st.entries) && st.entries[i].seq == seq {
		return st.entries[i], true
	}
	return streamEntry{}, false
}

func (s *Store) Append(_ context.Context, name string, values map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(name, values), nil
}

func (s *Store) EnsureGroup(_ context.Context, name, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(name)
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = &consumerGroup{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, req ports.ClaimRequest) ([]ports.StreamMessage, error) {
	deadline := time.Now().Add(req.Block)
	for {
		s.mu.Lock()
		msgs, err := s.claimLocked(req)
		wake := s.wake
		s.mu.Unlock()
		if err != nil || len(msgs) > 0 || req.Block <= 0 {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Store) claimLocked(req ports.ClaimRequest) ([]ports.StreamMessage, error) {
	st, ok := s.streams[req.Stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := st.groups[req.Group]
	if !ok {
		return nil, ErrNoGroup
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	now := s.now()
	var out []ports.StreamMessage
	for _, e := range st.entries {
		if len(out) >= count {
			break
		}
		if e.seq <= g.lastSeq {
			continue
		}
		g.lastSeq = e.seq
		g.pending[e.id] = &pendingEntry{seq: e.seq, consumer: req.Consumer, deliveredAt: now, deliveries: 1}
		out = append(out, ports.StreamMessage{ID: e.id, Values: copyValues(e.values), Deliveries: 1})
	}
	return out, nil
}

func (s *Store) Reclaim(_ context.Context, req ports.ReclaimRequest) ([]ports.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[req.Stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := st.groups[req.Group]
	if !ok {
		return nil, ErrNoGroup
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.pending[ids[i]].seq < g.pending[ids[j]].seq })

	now := s.now()
	var out []ports.StreamMessage
	for _, id := range ids {
		if req.Count > 0 && len(out) >= req.Count {
			break
		}
		p := g.pending[id]
		if now.Sub(p.deliveredAt) < req.MinIdle {
			continue
		}
		e, ok := st.entry(p.seq)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = req.Consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, ports.StreamMessage{ID: id, Values: copyValues(e.values), Deliveries: p.deliveries})
	}
	return out, nil
}

func (s *Store) Ack(_ context.Context, name, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	g, ok := st.groups[group]
	if !ok {
		return ErrNoGroup
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Messages returns the retained entries of a stream in order.
func (s *Store) Messages(name string) []ports.StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]ports.StreamMessage, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, ports.StreamMessage{ID: e.id, Values: copyValues(e.values)})
	}
	return out
}

// Pending counts claimed but unacknowledged messages of a group.
func (s *Store) Pending(name, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := st.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
