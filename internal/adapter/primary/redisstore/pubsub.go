package redisstore

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type invalidationMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func (s *Store) PublishInvalidation(ctx context.Context, inv ports.Invalidation) error {
	raw, err := json.Marshal(invalidationMessage{Type: string(inv.Type), ID: inv.ID, Version: inv.Version})
	if err != nil {
		return eris.Wrap(err, "encode invalidation")
	}
	return eris.Wrap(s.rdb.Publish(ctx, s.opts.InvalidationChannel, raw).Err(), "publish invalidation")
}

// SubscribeInvalidations returns once the subscription is confirmed, so no
// notice published after the call returns is missed.
func (s *Store) SubscribeInvalidations(ctx context.Context) (<-chan ports.Invalidation, error) {
	sub := s.rdb.Subscribe(ctx, s.opts.InvalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, eris.Wrap(err, "subscribe invalidations")
	}
	out := make(chan ports.Invalidation, 64)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var inv invalidationMessage
				if err := json.Unmarshal([]byte(m.Payload), &inv); err != nil {
					continue
				}
				t, err := entity.ParseType(inv.Type)
				if err != nil {
					continue
				}
				select {
				case out <- ports.Invalidation{Type: t, ID: inv.ID, Version: inv.Version}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	return eris.Wrapf(s.rdb.Publish(ctx, channel, payload).Err(), "publish to %s", channel)
}
