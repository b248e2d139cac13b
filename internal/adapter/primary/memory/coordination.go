package memory

import (
	"context"
	"strconv"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

const (
	markerApplied  = "applied"
	markerApplying = "applying:"
)

func markerKey(commandID string) string { return "dedup:command:" + commandID }

func (s *Store) BeginCommand(_ context.Context, commandID, owner string, lease time.Duration) (ports.MarkerState, error) {
	now := s.now()
	state := ports.MarkerAcquired
	s.expiring.Compute(markerKey(commandID), func(old expiringValue, loaded bool) (expiringValue, bool) {
		if loaded && old.live(now) {
			switch old.value {
			case markerApplied:
				state = ports.MarkerApplied
				return old, false
			case markerApplying + owner:
			default:
				state = ports.MarkerBusy
				return old, false
			}
		}
		state = ports.MarkerAcquired
		return expiringValue{value: markerApplying + owner, expires: now.Add(lease)}, false
	})
	return state, nil
}

func (s *Store) CompleteCommand(_ context.Context, commandID string, ttl time.Duration) error {
	s.expiring.Store(markerKey(commandID), expiringValue{value: markerApplied, expires: s.now().Add(ttl)})
	return nil
}

func (s *Store) ReleaseCommand(_ context.Context, commandID, owner string) error {
	s.expiring.Compute(markerKey(commandID), func(old expiringValue, loaded bool) (expiringValue, bool) {
		if !loaded {
			return old, true
		}
		return old, old.value == markerApplying+owner
	})
	return nil
}

type stepJournal struct {
	steps   map[string]struct{}
	expires time.Time
}

func (s *Store) stepAppliedLocked(commandID, step string, now time.Time) bool {
	j, ok := s.steps[commandID]
	if !ok || !now.Before(j.expires) {
		return false
	}
	_, applied := j.steps[step]
	return applied
}

func (s *Store) recordStepLocked(mark ports.StepMark, now time.Time) {
	j, ok := s.steps[mark.CommandID]
	if !ok || !now.Before(j.expires) {
		j = stepJournal{steps: make(map[string]struct{})}
	}
	j.steps[mark.Step] = struct{}{}
	j.expires = now.Add(mark.JournalTTL())
	s.steps[mark.CommandID] = j
}

func (s *Store) AppliedSteps(_ context.Context, commandID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	j, ok := s.steps[commandID]
	if !ok || !s.now().Before(j.expires) {
		return out, nil
	}
	for step := range j.steps {
		out[step] = true
	}
	return out, nil
}

type resultValue struct {
	result  ports.CommandResult
	expires time.Time
}

func (s *Store) SaveResult(_ context.Context, result ports.CommandResult, ttl time.Duration) error {
	s.results.Store(result.CommandID, resultValue{result: result, expires: s.now().Add(ttl)})
	return nil
}

func (s *Store) LoadResult(_ context.Context, commandID string) (ports.CommandResult, bool, error) {
	v, ok := s.results.Load(commandID)
	if !ok || !s.now().Before(v.expires) {
		return ports.CommandResult{}, false, nil
	}
	return v.result, true, nil
}

func finalizedKey(key ports.ReservationKey, battleID string) string {
	return "reservation:finalized:" + battleID + ":" + string(key.Type) + ":" + key.ID
}

func (s *Store) Reserve(_ context.Context, key ports.ReservationKey, battleID string, amount int64, now time.Time) (ports.ReservationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[entity.Key(key.Type, key.ID)]
	if !ok {
		return ports.ReservationState{}, ports.ErrNotFound
	}
	field := entity.ReservationField(battleID)
	troops := storedInt(cur, entity.FieldTroops)
	reserved := storedInt(cur, entity.FieldTroopsReserved)
	version := storedVersion(cur)
	if held, ok := cur[field]; ok {
		n, _ := strconv.ParseInt(held, 10, 64)
		return ports.ReservationState{Troops: troops, Reserved: reserved, Held: n, Version: version}, nil
	}
	if exp, ok := s.finalized[finalizedKey(key, battleID)]; ok && now.Before(exp) {
		return ports.ReservationState{}, ports.ErrAlreadyFinalized
	}
	if amount > troops-reserved {
		return ports.ReservationState{Troops: troops, Reserved: reserved, Version: version}, ports.ErrInsufficientResource
	}
	reserved += amount
	version++
	changes := map[string]string{
		field:                      strconv.FormatInt(amount, 10),
		entity.FieldTroopsReserved: strconv.FormatInt(reserved, 10),
	}
	for k, v := range changes {
		cur[k] = v
	}
	s.bump(cur, version, now)
	if err := s.appendChangeLog(key.Type, key.ID, entity.OpUpdate, version, changes, now); err != nil {
		return ports.ReservationState{}, err
	}
	return ports.ReservationState{Troops: troops, Reserved: reserved, Held: amount, Version: version}, nil
}

func (s *Store) Finalize(_ context.Context, key ports.ReservationKey, battleID string, casualties int64, now time.Time) (ports.ReservationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.entities[entity.Key(key.Type, key.ID)]
	fk := finalizedKey(key, battleID)
	if exp, ok := s.finalized[fk]; ok && now.Before(exp) {
		return ports.ReservationState{
			Troops:   storedInt(cur, entity.FieldTroops),
			Reserved: storedInt(cur, entity.FieldTroopsReserved),
			Version:  storedVersion(cur),
		}, nil
	}
	if !exists {
		return ports.ReservationState{}, ports.ErrNotFound
	}
	field := entity.ReservationField(battleID)
	heldText, ok := cur[field]
	if !ok {
		return ports.ReservationState{}, ports.ErrNotReserved
	}
	held, _ := strconv.ParseInt(heldText, 10, 64)
	troops := storedInt(cur, entity.FieldTroops) - casualties
	if troops < 0 {
		troops = 0
	}
	reserved := storedInt(cur, entity.FieldTroopsReserved) - held
	if reserved < 0 {
		reserved = 0
	}
	version := storedVersion(cur) + 1
	delete(cur, field)
	changes := map[string]string{
		entity.FieldTroops:         strconv.FormatInt(troops, 10),
		entity.FieldTroopsReserved: strconv.FormatInt(reserved, 10),
	}
	for k, v := range changes {
		cur[k] = v
	}
	s.bump(cur, version, now)
	s.finalized[fk] = now.Add(s.opts.FinalizedTTL)
	if err := s.appendChangeLog(key.Type, key.ID, entity.OpUpdate, version, changes, now); err != nil {
		return ports.ReservationState{}, err
	}
	return ports.ReservationState{Troops: troops, Reserved: reserved, Held: held, Version: version}, nil
}

func (s *Store) bump(fields map[string]string, version int64, now time.Time) {
	fields[entity.FieldVersion] = strconv.FormatInt(version, 10)
	fields[entity.FieldDirty] = "1"
	fields[entity.FieldUpdatedAt] = strconv.FormatInt(now.UnixMilli(), 10)
}
