package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/battle"
)

type battleRecord struct {
	session battle.Session
	units   map[string]battle.Unit
	intents map[string]battle.Intent
	expires time.Time
}

func (s *Store) SaveBattle(_ context.Context, snap battle.Snapshot, ttl time.Duration) error {
	now := s.now()
	stale := false
	s.battles.Compute(snap.Session.ID, func(old battleRecord, loaded bool) (battleRecord, bool) {
		live := loaded && now.Before(old.expires)
		if live && old.session.Version >= snap.Session.Version {
			stale = true
			return old, false
		}
		rec := battleRecord{
			session: snap.Session,
			units:   make(map[string]battle.Unit, len(snap.Units)),
			intents: make(map[string]battle.Intent, len(snap.Intents)),
			expires: now.Add(ttl),
		}
		if live {
			for id, u := range old.units {
				rec.units[id] = u
			}
			for id, in := range old.intents {
				rec.intents[id] = in
			}
		}
		for _, u := range snap.Units {
			rec.units[u.ID] = u
		}
		for _, in := range snap.Intents {
			rec.intents[in.ID] = in
		}
		return rec, false
	})
	if stale {
		return fmt.Errorf("%w: battle %s is past version %d", ports.ErrConflict, snap.Session.ID, snap.Session.Version)
	}
	if snap.Session.Status.Terminal() {
		s.active.Delete(snap.Session.ID)
	} else {
		s.active.Store(snap.Session.ID, struct{}{})
	}
	return nil
}

func (s *Store) LoadBattle(_ context.Context, battleID string) (battle.Snapshot, bool, error) {
	rec, ok := s.battles.Load(battleID)
	if !ok || !s.now().Before(rec.expires) {
		return battle.Snapshot{}, false, nil
	}
	snap := battle.Snapshot{Session: rec.session}
	for _, u := range rec.units {
		snap.Units = append(snap.Units, u)
	}
	for _, in := range rec.intents {
		snap.Intents = append(snap.Intents, in)
	}
	sortSnapshot(&snap)
	return snap, true, nil
}

func sortSnapshot(snap *battle.Snapshot) {
	sort.Slice(snap.Units, func(i, j int) bool { return snap.Units[i].ID < snap.Units[j].ID })
	sort.Slice(snap.Intents, func(i, j int) bool {
		if snap.Intents[i].IssuedAt != snap.Intents[j].IssuedAt {
			return snap.Intents[i].IssuedAt < snap.Intents[j].IssuedAt
		}
		return snap.Intents[i].ID < snap.Intents[j].ID
	})
}

func (s *Store) AppendIntent(_ context.Context, intent battle.Intent, ttl time.Duration) error {
	found := false
	now := s.now()
	s.battles.Compute(intent.BattleID, func(old battleRecord, loaded bool) (battleRecord, bool) {
		if !loaded || !now.Before(old.expires) {
			return old, !loaded
		}
		found = true
		intents := make(map[string]battle.Intent, len(old.intents)+1)
		for id, in := range old.intents {
			intents[id] = in
		}
		intents[intent.ID] = intent
		old.intents = intents
		old.expires = now.Add(ttl)
		return old, false
	})
	if !found {
		return ports.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveBattles(_ context.Context) ([]string, error) {
	var out []string
	s.active.Range(func(id string, _ struct{}) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out, nil
}

func leaseKey(battleID string) string { return "battle:" + battleID + ":lease" }

func (s *Store) AcquireLease(_ context.Context, battleID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	acquired := false
	s.expiring.Compute(leaseKey(battleID), func(old expiringValue, loaded bool) (expiringValue, bool) {
		if loaded && old.live(now) && old.value != owner {
			return old, false
		}
		acquired = true
		return expiringValue{value: owner, expires: now.Add(ttl)}, false
	})
	return acquired, nil
}

func (s *Store) ReleaseLease(_ context.Context, battleID, owner string) error {
	s.expiring.Compute(leaseKey(battleID), func(old expiringValue, loaded bool) (expiringValue, bool) {
		return old, !loaded || old.value == owner
	})
	return nil
}
