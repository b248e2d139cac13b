package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"warfront/internal/domain/battle"
)

func sessionKey(battleID string) string { return "battle:" + battleID }
func unitsKey(battleID string) string   { return "battle:" + battleID + ":units" }
func intentsKey(battleID string) string { return "battle:" + battleID + ":intents" }
func leaseKey(battleID string) string   { return "battle:" + battleID + ":lease" }

// SaveBattle writes the session and merges units and intents by id, so an
// intent appended since the snapshot was loaded survives the save. A session
// version not newer than the stored one is refused.
func (s *Store) SaveBattle(ctx context.Context, snap battle.Snapshot, ttl time.Duration) error {
	id := snap.Session.ID
	session, err := json.Marshal(snap.Session)
	if err != nil {
		return eris.Wrap(err, "encode battle session")
	}
	terminal := "0"
	if snap.Session.Status.Terminal() {
		terminal = "1"
	}
	args := make([]any, 0, 6+2*(len(snap.Units)+len(snap.Intents)))
	args = append(args, id, snap.Session.Version, string(session), millis(ttl), terminal, len(snap.Units))
	for _, u := range snap.Units {
		raw, err := json.Marshal(u)
		if err != nil {
			return eris.Wrap(err, "encode battle unit")
		}
		args = append(args, u.ID, string(raw))
	}
	for _, in := range snap.Intents {
		raw, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "encode battle intent")
		}
		args = append(args, in.ID, string(raw))
	}
	err = saveBattleScript.Run(ctx, s.rdb,
		[]string{sessionKey(id), unitsKey(id), intentsKey(id), activeBattlesKey},
		args...,
	).Err()
	return scriptError(err, "save battle "+id)
}

func (s *Store) LoadBattle(ctx context.Context, battleID string) (battle.Snapshot, bool, error) {
	var sessionCmd *redis.StringCmd
	var unitsCmd, intentsCmd *redis.MapStringStringCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		sessionCmd = p.Get(ctx, sessionKey(battleID))
		unitsCmd = p.HGetAll(ctx, unitsKey(battleID))
		intentsCmd = p.HGetAll(ctx, intentsKey(battleID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return battle.Snapshot{}, false, eris.Wrapf(err, "load battle %s", battleID)
	}
	raw, err := sessionCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return battle.Snapshot{}, false, nil
	}
	if err != nil {
		return battle.Snapshot{}, false, eris.Wrapf(err, "load battle %s", battleID)
	}
	var snap battle.Snapshot
	if err := json.Unmarshal(raw, &snap.Session); err != nil {
		return battle.Snapshot{}, false, eris.Wrapf(err, "decode battle %s", battleID)
	}
	for _, v := range unitsCmd.Val() {
		var u battle.Unit
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			return battle.Snapshot{}, false, eris.Wrapf(err, "decode unit of %s", battleID)
		}
		snap.Units = append(snap.Units, u)
	}
	for _, v := range intentsCmd.Val() {
		var in battle.Intent
		if err := json.Unmarshal([]byte(v), &in); err != nil {
			return battle.Snapshot{}, false, eris.Wrapf(err, "decode intent of %s", battleID)
		}
		snap.Intents = append(snap.Intents, in)
	}
	sort.Slice(snap.Units, func(i, j int) bool { return snap.Units[i].ID < snap.Units[j].ID })
	sort.Slice(snap.Intents, func(i, j int) bool {
		if snap.Intents[i].IssuedAt != snap.Intents[j].IssuedAt {
			return snap.Intents[i].IssuedAt < snap.Intents[j].IssuedAt
		}
		return snap.Intents[i].ID < snap.Intents[j].ID
	})
	return snap, true, nil
}

func (s *Store) AppendIntent(ctx context.Context, intent battle.Intent, ttl time.Duration) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return eris.Wrap(err, "encode battle intent")
	}
	err = appendIntentScript.Run(ctx, s.rdb,
		[]string{sessionKey(intent.BattleID), intentsKey(intent.BattleID), unitsKey(intent.BattleID)},
		intent.ID, string(raw), millis(ttl),
	).Err()
	return scriptError(err, "append intent to "+intent.BattleID)
}

func (s *Store) ListActiveBattles(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeBattlesKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "list active battles")
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) AcquireLease(ctx context.Context, battleID, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireLeaseScript.Run(ctx, s.rdb, []string{leaseKey(battleID)}, owner, millis(ttl)).Int()
	if err != nil {
		return false, eris.Wrapf(err, "acquire lease on %s", battleID)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, battleID, owner string) error {
	err := compareAndDeleteScript.Run(ctx, s.rdb, []string{leaseKey(battleID)}, owner).Err()
	return eris.Wrapf(err, "release lease on %s", battleID)
}
