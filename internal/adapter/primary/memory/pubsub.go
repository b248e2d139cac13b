package memory

import (
	"context"

	"warfront/internal/app/ports"
)

func (s *Store) PublishInvalidation(_ context.Context, inv ports.Invalidation) error {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- inv:
		default:
		}
	}
	return nil
}

func (s *Store) SubscribeInvalidations(ctx context.Context) (<-chan ports.Invalidation, error) {
	ch := make(chan ports.Invalidation, 64)
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch, nil
}

func (s *Store) PublishEvent(_ context.Context, channel string, payload []byte) error {
	copied := append([]byte(nil), payload...)
	s.events.Compute(channel, func(old [][]byte, _ bool) ([][]byte, bool) {
		return append(old, copied), false
	})
	return nil
}

// Events returns every payload published on channel so far.
func (s *Store) Events(channel string) [][]byte {
	v, _ := s.events.Load(channel)
	return v
}
