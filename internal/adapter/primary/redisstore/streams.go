package redisstore

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"warfront/internal/app/ports"
)

var ErrNoGroup = errors.New("consumer group does not exist")

func (s *Store) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := make(map[string]any, len(values))
	for k, v := range values {
		args[k] = v
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: args}).Result()
	if err != nil {
		return "", eris.Wrapf(err, "append to %s", stream)
	}
	s.maybeTrim(ctx, stream)
	return id, nil
}

func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "create group %s on %s", group, stream)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, req ports.ClaimRequest) ([]ports.StreamMessage, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	block := req.Block
	if block <= 0 {
		// go-redis treats zero as block forever; negative omits BLOCK.
		block = -1
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{req.Stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, groupError(err, req.Stream, req.Group)
	}
	var out []ports.StreamMessage
	for _, st := range res {
		for _, m := range st.Messages {
			out = append(out, ports.StreamMessage{ID: m.ID, Values: stringValues(m.Values), Deliveries: 1})
		}
	}
	return out, nil
}

func (s *Store) Reclaim(ctx context.Context, req ports.ReclaimRequest) ([]ports.StreamMessage, error) {
	count := int64(req.Count)
	if count <= 0 {
		count = 100
	}
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   req.Stream,
		Group:    req.Group,
		Consumer: req.Consumer,
		MinIdle:  req.MinIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, groupError(err, req.Stream, req.Group)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   req.Stream,
		Group:    req.Group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)) * 2,
		Consumer: req.Consumer,
	}).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "pending counts on %s", req.Stream)
	}
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
	}
	out := make([]ports.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		n := deliveries[m.ID]
		if n <= 0 {
			n = 1
		}
		out = append(out, ports.StreamMessage{ID: m.ID, Values: stringValues(m.Values), Deliveries: n})
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return groupError(err, stream, group)
	}
	return nil
}

// Pending counts claimed but unacknowledged messages of a group.
func (s *Store) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, groupError(err, stream, group)
	}
	return res.Count, nil
}

func (s *Store) maybeTrim(ctx context.Context, stream string) {
	if s.opts.StreamMaxLen <= 0 || s.appends.Add(1)%s.opts.TrimEvery != 0 {
		return
	}
	_ = s.Trim(ctx, stream)
}

// Trim drops entries beyond StreamMaxLen that every group has already
// received and acknowledged.
func (s *Store) Trim(ctx context.Context, stream string) error {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return eris.Wrapf(err, "length of %s", stream)
	}
	if n <= s.opts.StreamMaxLen {
		return nil
	}
	groups, err := s.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return eris.Wrapf(err, "groups of %s", stream)
	}
	floor := ""
	for _, g := range groups {
		keep := g.LastDeliveredID
		if g.Pending > 0 {
			p, err := s.rdb.XPending(ctx, stream, g.Name).Result()
			if err != nil {
				return eris.Wrapf(err, "pending on %s", stream)
			}
			keep = p.Lower
		}
		if floor == "" || compareIDs(keep, floor) < 0 {
			floor = keep
		}
	}
	if floor == "" || floor == "0-0" {
		return nil
	}
	return eris.Wrapf(s.rdb.XTrimMinIDApprox(ctx, stream, floor, 0).Err(), "trim %s", stream)
}

func compareIDs(a, b string) int {
	am, as, _ := strings.Cut(a, "-")
	bm, bs, _ := strings.Cut(b, "-")
	if c := compareNumeric(am, bm); c != 0 {
		return c
	}
	return compareNumeric(as, bs)
}

func compareNumeric(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func groupError(err error, stream, group string) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return eris.Wrapf(ErrNoGroup, "%s/%s", stream, group)
	}
	return eris.Wrapf(err, "%s/%s", stream, group)
}

func stringValues(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case string:
			out[k] = x
		case []byte:
			out[k] = string(x)
		}
	}
	return out
}
