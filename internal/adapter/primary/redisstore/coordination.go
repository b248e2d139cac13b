package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func markerKey(commandID string) string { return "dedup:command:" + commandID }
func resultKey(commandID string) string { return "command:result:" + commandID }
func stepsKey(commandID string) string { return "command:steps:" + commandID }

func finalizedKey(key ports.ReservationKey, battleID string) string {
	return "reservation:finalized:" + battleID + ":" + string(key.Type) + ":" + key.ID
}

func (s *Store) BeginCommand(ctx context.Context, commandID, owner string, lease time.Duration) (ports.MarkerState, error) {
	n, err := beginCommandScript.Run(ctx, s.rdb, []string{markerKey(commandID)}, owner, millis(lease)).Int()
	if err != nil {
		return ports.MarkerBusy, eris.Wrapf(err, "begin command %s", commandID)
	}
	return ports.MarkerState(n), nil
}

func (s *Store) CompleteCommand(ctx context.Context, commandID string, ttl time.Duration) error {
	return eris.Wrapf(s.rdb.Set(ctx, markerKey(commandID), "applied", ttl).Err(), "complete command %s", commandID)
}

func (s *Store) ReleaseCommand(ctx context.Context, commandID, owner string) error {
	err := compareAndDeleteScript.Run(ctx, s.rdb, []string{markerKey(commandID)}, "applying:"+owner).Err()
	return eris.Wrapf(err, "release command %s", commandID)
}

func (s *Store) AppliedSteps(ctx context.Context, commandID string) (map[string]bool, error) {
	names, err := s.rdb.HKeys(ctx, stepsKey(commandID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(err, "load steps %s", commandID)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (s *Store) SaveResult(ctx context.Context, result ports.CommandResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "encode command result")
	}
	return eris.Wrapf(s.rdb.Set(ctx, resultKey(result.CommandID), raw, ttl).Err(), "save result %s", result.CommandID)
}

func (s *Store) LoadResult(ctx context.Context, commandID string) (ports.CommandResult, bool, error) {
	raw, err := s.rdb.Get(ctx, resultKey(commandID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ports.CommandResult{}, false, nil
	}
	if err != nil {
		return ports.CommandResult{}, false, eris.Wrapf(err, "load result %s", commandID)
	}
	var out ports.CommandResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ports.CommandResult{}, false, eris.Wrapf(err, "decode result %s", commandID)
	}
	return out, true, nil
}

func (s *Store) Reserve(ctx context.Context, key ports.ReservationKey, battleID string, amount int64, now time.Time) (ports.ReservationState, error) {
	vals, err := reserveScript.Run(ctx, s.rdb,
		[]string{entity.Key(key.Type, key.ID), finalizedKey(key, battleID), s.opts.ChangeLogStream},
		entity.ReservationField(battleID), amount, strconv.FormatInt(now.UnixMilli(), 10), string(key.Type), key.ID,
	).Int64Slice()
	if err != nil {
		return ports.ReservationState{}, scriptError(err, "reserve "+entity.Key(key.Type, key.ID))
	}
	return reservationState(vals), nil
}

func (s *Store) Finalize(ctx context.Context, key ports.ReservationKey, battleID string, casualties int64, now time.Time) (ports.ReservationState, error) {
	vals, err := finalizeScript.Run(ctx, s.rdb,
		[]string{entity.Key(key.Type, key.ID), finalizedKey(key, battleID), s.opts.ChangeLogStream},
		entity.ReservationField(battleID), casualties, strconv.FormatInt(now.UnixMilli(), 10), string(key.Type), key.ID,
		millis(s.opts.FinalizedTTL),
	).Int64Slice()
	if err != nil {
		return ports.ReservationState{}, scriptError(err, "finalize "+entity.Key(key.Type, key.ID))
	}
	return reservationState(vals), nil
}

func reservationState(vals []int64) ports.ReservationState {
	var st ports.ReservationState
	if len(vals) == 4 {
		st = ports.ReservationState{Troops: vals[0], Reserved: vals[1], Held: vals[2], Version: vals[3]}
	}
	return st
}
