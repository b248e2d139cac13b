package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/battle"
	"warfront/internal/domain/entity"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*Store, *clock) {
	c := &clock{now: time.Unix(1700000000, 0).UTC()}
	return NewStore(Options{ChangeLogStream: "changelog", Now: c.Now}), c
}

func createCommander(t *testing.T, s *Store, id, faction string, troops string) {
	t.Helper()
	_, err := s.WriteEntity(context.Background(), ports.EntityWrite{
		Type:    entity.TypeCommander,
		ID:      id,
		Op:      entity.OpCreate,
		Fields:  map[string]string{entity.FieldFactionID: faction, entity.FieldTroops: troops},
		Changes: map[string]string{entity.FieldFactionID: faction, entity.FieldTroops: troops},
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestWriteEntityVersioningAndConflicts(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "100")

	_, err := s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c1", Op: entity.OpCreate})
	if !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("expected duplicate create conflict, got %v", err)
	}
	res, err := s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c1", Op: entity.OpUpdate, ExpectedVersion: 1, Fields: map[string]string{entity.FieldTroops: "90", entity.FieldFactionID: "f1"}})
	if err != nil || res.Version != 2 {
		t.Fatalf("expected version 2, got %+v err=%v", res, err)
	}
	_, err = s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c1", Op: entity.OpUpdate, ExpectedVersion: 1})
	if !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}
	_, err = s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "ghost", Op: entity.OpUpdate})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, ok, err := s.LoadEntity(ctx, entity.TypeCommander, "c1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version != 2 || !got.Dirty || got.Fields[entity.FieldTroops] != "90" {
		t.Fatalf("unexpected stored entity: %+v", got)
	}

	msgs := s.Messages("changelog")
	if len(msgs) != 2 || msgs[0].Values["op"] != "create" || msgs[1].Values["version"] != "2" {
		t.Fatalf("unexpected change log: %+v", msgs)
	}
}

func TestWriteEntityMaintainsIndexes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "10")
	createCommander(t, s, "c2", "f1", "10")

	_, err := s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c2", Op: entity.OpUpdate, Fields: map[string]string{entity.FieldFactionID: "f2"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	f1, _ := s.ListIDs(ctx, entity.TypeCommander, entity.IndexByFaction, "f1")
	f2, _ := s.ListIDs(ctx, entity.TypeCommander, entity.IndexByFaction, "f2")
	if len(f1) != 1 || f1[0] != "c1" || len(f2) != 1 || f2[0] != "c2" {
		t.Fatalf("unexpected faction indexes: f1=%v f2=%v", f1, f2)
	}

	if _, err := s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c1", Op: entity.OpDelete}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ := s.ListIDs(ctx, entity.TypeCommander, "", "")
	if len(all) != 1 || all[0] != "c2" {
		t.Fatalf("unexpected all index: %v", all)
	}
	f1, _ = s.ListIDs(ctx, entity.TypeCommander, entity.IndexByFaction, "f1")
	if len(f1) != 0 {
		t.Fatalf("expected empty f1 index, got %v", f1)
	}
}

func TestClearDirtyOnlyForMatchingVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "10")
	if _, err := s.WriteEntity(ctx, ports.EntityWrite{Type: entity.TypeCommander, ID: "c1", Op: entity.OpUpdate, Fields: map[string]string{entity.FieldTroops: "11"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cleared, _ := s.ClearDirty(ctx, entity.TypeCommander, "c1", 1)
	if cleared {
		t.Fatal("stale version must not clear dirty")
	}
	got, _, _ := s.LoadEntity(ctx, entity.TypeCommander, "c1")
	if !got.Dirty {
		t.Fatal("expected entity still dirty")
	}
	cleared, _ = s.ClearDirty(ctx, entity.TypeCommander, "c1", 2)
	if !cleared {
		t.Fatal("matching version must clear dirty")
	}
}

func TestStreamClaimAckAndReclaim(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	if err := s.EnsureGroup(ctx, "commands", "workers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "commands", map[string]string{"n": string(rune('a' + i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	first, err := s.Claim(ctx, ports.ClaimRequest{Stream: "commands", Group: "workers", Consumer: "w1", Count: 2})
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 messages, got %d err=%v", len(first), err)
	}
	second, _ := s.Claim(ctx, ports.ClaimRequest{Stream: "commands", Group: "workers", Consumer: "w2", Count: 10})
	if len(second) != 1 || second[0].Values["n"] != "c" {
		t.Fatalf("expected remaining message for second consumer, got %+v", second)
	}
	if err := s.Ack(ctx, "commands", "workers", first[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := s.Pending("commands", "workers"); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	none, _ := s.Reclaim(ctx, ports.ReclaimRequest{Stream: "commands", Group: "workers", Consumer: "w3", MinIdle: time.Minute})
	if len(none) != 0 {
		t.Fatalf("nothing is idle yet, got %+v", none)
	}
	c.Advance(2 * time.Minute)
	reclaimed, _ := s.Reclaim(ctx, ports.ReclaimRequest{Stream: "commands", Group: "workers", Consumer: "w3", MinIdle: time.Minute})
	if len(reclaimed) != 2 || reclaimed[0].ID != first[1].ID || reclaimed[0].Deliveries != 2 {
		t.Fatalf("unexpected reclaim: %+v", reclaimed)
	}
}

func TestClaimBlocksUntilAppend(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_ = s.EnsureGroup(ctx, "changelog", "persistence")
	done := make(chan []ports.StreamMessage, 1)
	go func() {
		msgs, _ := s.Claim(ctx, ports.ClaimRequest{Stream: "changelog", Group: "persistence", Consumer: "d1", Count: 5, Block: 2 * time.Second})
		done <- msgs
	}()
	time.Sleep(20 * time.Millisecond)
	createCommander(t, s, "c1", "f1", "1")
	select {
	case msgs := <-done:
		if len(msgs) != 1 {
			t.Fatalf("expected woken claim to return 1 message, got %d", len(msgs))
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on append")
	}
}

func TestClaimWithoutGroupFails(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Claim(context.Background(), ports.ClaimRequest{Stream: "nope", Group: "g"})
	if !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
}

func TestCommandMarkerLifecycle(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	state, _ := s.BeginCommand(ctx, "cmd-1", "w1", time.Minute)
	if state != ports.MarkerAcquired {
		t.Fatalf("expected acquired, got %v", state)
	}
	if state, _ = s.BeginCommand(ctx, "cmd-1", "w2", time.Minute); state != ports.MarkerBusy {
		t.Fatalf("expected busy for other owner, got %v", state)
	}
	_ = s.ReleaseCommand(ctx, "cmd-1", "w2")
	if state, _ = s.BeginCommand(ctx, "cmd-1", "w1", time.Minute); state != ports.MarkerAcquired {
		t.Fatalf("release by non-owner must not drop marker, got %v", state)
	}
	_ = s.CompleteCommand(ctx, "cmd-1", time.Hour)
	if state, _ = s.BeginCommand(ctx, "cmd-1", "w2", time.Minute); state != ports.MarkerApplied {
		t.Fatalf("expected applied, got %v", state)
	}

	_, _ = s.BeginCommand(ctx, "cmd-2", "w1", time.Minute)
	c.Advance(2 * time.Minute)
	if state, _ = s.BeginCommand(ctx, "cmd-2", "w2", time.Minute); state != ports.MarkerAcquired {
		t.Fatalf("expired lease must be takeable, got %v", state)
	}
}

func TestReserveIsExclusiveUnderConcurrency(t *testing.T) {
	s, c := newTestStore()
	createCommander(t, s, "c1", "f1", "100")
	key := ports.ReservationKey{Type: entity.TypeCommander, ID: "c1"}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Reserve(context.Background(), key, []string{"b1", "b2"}[i], 60, c.Now())
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ports.ErrInsufficientResource):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one rejection, got ok=%d insufficient=%d", ok, insufficient)
	}
}

func TestReserveAndFinalizeAreIdempotent(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "100")
	key := ports.ReservationKey{Type: entity.TypeCommander, ID: "c1"}

	first, err := s.Reserve(ctx, key, "b1", 40, c.Now())
	if err != nil || first.Reserved != 40 || first.Held != 40 {
		t.Fatalf("unexpected reserve: %+v err=%v", first, err)
	}
	again, err := s.Reserve(ctx, key, "b1", 40, c.Now())
	if err != nil || again.Reserved != 40 || again.Version != first.Version {
		t.Fatalf("second reserve must return existing state: %+v err=%v", again, err)
	}

	if _, err := s.Finalize(ctx, key, "b2", 5, c.Now()); !errors.Is(err, ports.ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
	done, err := s.Finalize(ctx, key, "b1", 15, c.Now())
	if err != nil || done.Troops != 85 || done.Reserved != 0 {
		t.Fatalf("unexpected finalize: %+v err=%v", done, err)
	}
	repeat, err := s.Finalize(ctx, key, "b1", 15, c.Now())
	if err != nil || repeat.Troops != 85 || repeat.Version != done.Version {
		t.Fatalf("second finalize must be a no-op: %+v err=%v", repeat, err)
	}
	if _, err := s.Reserve(ctx, key, "b1", 10, c.Now()); !errors.Is(err, ports.ErrAlreadyFinalized) {
		t.Fatalf("reserve after finalize must fail, got %v", err)
	}
}

func TestFinalizeFloorsTroopsAtZero(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "10")
	key := ports.ReservationKey{Type: entity.TypeCommander, ID: "c1"}
	if _, err := s.Reserve(ctx, key, "b1", 10, c.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, err := s.Finalize(ctx, key, "b1", 50, c.Now())
	if err != nil || got.Troops != 0 {
		t.Fatalf("expected troops floored at zero, got %+v err=%v", got, err)
	}
}

func TestSaveBattleKeepsConcurrentIntents(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	snap := battle.Snapshot{
		Session: battle.Session{ID: "b1", Status: battle.StatusInProgress, Version: 1},
		Units:   []battle.Unit{{ID: "u1", BattleID: "b1"}},
	}
	if err := s.SaveBattle(ctx, snap, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AppendIntent(ctx, battle.Intent{ID: "i1", BattleID: "b1", UnitID: "u1", Status: battle.IntentPending}, time.Hour); err != nil {
		t.Fatalf("append intent: %v", err)
	}
	snap.Session.CurrentRound = 1
	snap.Session.Version = 2
	if err := s.SaveBattle(ctx, snap, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, _ := s.LoadBattle(ctx, "b1")
	if !ok || len(got.Intents) != 1 || got.Session.CurrentRound != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	active, _ := s.ListActiveBattles(ctx)
	if len(active) != 1 {
		t.Fatalf("expected active battle, got %v", active)
	}

	snap.Session.Status = battle.StatusCompleted
	snap.Session.Version = 3
	_ = s.SaveBattle(ctx, snap, time.Hour)
	active, _ = s.ListActiveBattles(ctx)
	if len(active) != 0 {
		t.Fatalf("terminal battle must leave the active set, got %v", active)
	}
	if err := s.AppendIntent(ctx, battle.Intent{ID: "i2", BattleID: "missing"}, time.Hour); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBattleLeaseIsSingleOwner(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	if ok, _ := s.AcquireLease(ctx, "b1", "p1", time.Second); !ok {
		t.Fatal("expected lease")
	}
	if ok, _ := s.AcquireLease(ctx, "b1", "p2", time.Second); ok {
		t.Fatal("second owner must not get the lease")
	}
	c.Advance(2 * time.Second)
	if ok, _ := s.AcquireLease(ctx, "b1", "p2", time.Second); !ok {
		t.Fatal("expired lease must be takeable")
	}
	_ = s.ReleaseLease(ctx, "b1", "p2")
	if ok, _ := s.AcquireLease(ctx, "b1", "p1", time.Second); !ok {
		t.Fatal("released lease must be takeable")
	}
}

func TestInvalidationSubscription(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.SubscribeInvalidations(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = s.PublishInvalidation(context.Background(), ports.Invalidation{Type: entity.TypeFaction, ID: "f1", Version: 3})
	select {
	case inv := <-ch:
		if inv.ID != "f1" || inv.Version != 3 {
			t.Fatalf("unexpected invalidation: %+v", inv)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation delivered")
	}
	cancel()
	for range ch {
	}
}

func TestStepJournalRefusesRepeatedStep(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	createCommander(t, s, "c1", "f1", "100")
	write := ports.EntityWrite{
		Type: entity.TypeCommander, ID: "c1", Op: entity.OpUpdate, ExpectedVersion: 1,
		Fields:  map[string]string{entity.FieldTroops: "90", entity.FieldFactionID: "f1"},
		Changes: map[string]string{entity.FieldTroops: "90"},
		Step:    &ports.StepMark{CommandID: "cmd-1", Step: "troops", TTL: time.Minute},
	}
	if res, err := s.WriteEntity(ctx, write); err != nil || res.Version != 2 {
		t.Fatalf("first write: %+v err=%v", res, err)
	}
	write.ExpectedVersion = 2
	if _, err := s.WriteEntity(ctx, write); !errors.Is(err, ports.ErrStepApplied) {
		t.Fatalf("expected ErrStepApplied, got %v", err)
	}
	if stored, _, _ := s.LoadEntity(ctx, entity.TypeCommander, "c1"); stored.Version != 2 {
		t.Fatalf("refused step must not write, version=%d", stored.Version)
	}
	applied, err := s.AppliedSteps(ctx, "cmd-1")
	if err != nil || len(applied) != 1 || !applied["troops"] {
		t.Fatalf("expected troops journaled, got %v err=%v", applied, err)
	}
	c.Advance(2 * time.Minute)
	if applied, _ := s.AppliedSteps(ctx, "cmd-1"); len(applied) != 0 {
		t.Fatalf("journal must expire, got %v", applied)
	}
}

func TestSaveBattleRefusesStaleVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	cancelled := battle.Snapshot{Session: battle.Session{ID: "b1", Status: battle.StatusCancelled, Version: 3}}
	if err := s.SaveBattle(ctx, cancelled, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := battle.Snapshot{
		Session: battle.Session{ID: "b1", Status: battle.StatusInProgress, Version: 3, CurrentRound: 2},
		Units:   []battle.Unit{{ID: "u1", BattleID: "b1"}},
	}
	if err := s.SaveBattle(ctx, stale, time.Hour); !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _, _ := s.LoadBattle(ctx, "b1")
	if got.Session.Status != battle.StatusCancelled || len(got.Units) != 0 {
		t.Fatalf("stale save must not land, got %+v", got)
	}
	if active, _ := s.ListActiveBattles(ctx); len(active) != 0 {
		t.Fatalf("stale save must not reactivate the battle, got %v", active)
	}
}
