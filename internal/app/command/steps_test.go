package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

// flakyEntities fails the first write to one entity. With lostReply the
// write is applied before the error is returned.
type flakyEntities struct {
	ports.EntityStore
	key       string
	lostReply bool
	failed    atomic.Bool
}

func (s *flakyEntities) WriteEntity(ctx context.Context, w ports.EntityWrite) (ports.WriteResult, error) {
	if entity.Key(w.Type, w.ID) != s.key || s.failed.Load() {
		return s.EntityStore.WriteEntity(ctx, w)
	}
	s.failed.Store(true)
	if s.lostReply {
		if _, err := s.EntityStore.WriteEntity(ctx, w); err != nil {
			return ports.WriteResult{}, err
		}
	}
	return ports.WriteResult{}, errors.New("primary store connection reset")
}

func (f *fixture) flaky(key string, lostReply bool) *flakyEntities {
	s := &flakyEntities{EntityStore: f.store, key: key, lostReply: lostReply}
	f.worker.Cache.Store = s
	return s
}

func (f *fixture) redeliver(t *testing.T) {
	t.Helper()
	f.clock.Advance(2 * time.Second)
	if n, err := f.worker.Reclaim(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one reclaimed message, n=%d err=%v", n, err)
	}
}

func TestTransferResumesAfterFailedCredit(t *testing.T) {
	f := newFixture(t)
	f.flaky(entity.Key(entity.TypeFaction, "f2"), false)
	f.send(t, "cmd-t1", KindTransferGold, "f1", `{"toFactionId":"f2","amount":100}`)
	f.drain(t)

	if f.treasury(t, "f1") != 900 || f.treasury(t, "f2") != 50 {
		t.Fatalf("expected debit only, f1=%d f2=%d", f.treasury(t, "f1"), f.treasury(t, "f2"))
	}
	f.redeliver(t)
	if f.treasury(t, "f1") != 900 || f.treasury(t, "f2") != 150 {
		t.Fatalf("redelivery must not debit twice, f1=%d f2=%d", f.treasury(t, "f1"), f.treasury(t, "f2"))
	}
	if res := f.result(t, "cmd-t1"); res.Status != ports.CommandApplied {
		t.Fatalf("expected applied, got %+v", res)
	}
}

func TestTransferLostReplyCreditsOnce(t *testing.T) {
	f := newFixture(t)
	f.flaky(entity.Key(entity.TypeFaction, "f2"), true)
	f.send(t, "cmd-t2", KindTransferGold, "f1", `{"toFactionId":"f2","amount":100}`)
	f.drain(t)
	f.redeliver(t)

	if f.treasury(t, "f1") != 900 || f.treasury(t, "f2") != 150 {
		t.Fatalf("expected one transfer, f1=%d f2=%d", f.treasury(t, "f1"), f.treasury(t, "f2"))
	}
	applied, err := f.store.AppliedSteps(context.Background(), "cmd-t2")
	if err != nil || !applied["debit"] || !applied["credit"] {
		t.Fatalf("expected both steps journaled, got %v err=%v", applied, err)
	}
}

func TestRecruitResumesAfterFailedTroops(t *testing.T) {
	f := newFixture(t)
	f.flaky(entity.Key(entity.TypeCommander, "c1"), false)
	f.send(t, "cmd-r1", KindRecruit, "f1", `{"commanderId":"c1","settlementId":"s1","count":50}`)
	f.drain(t)
	f.redeliver(t)

	s, err := entitycache.Settlement(context.Background(), f.cache, "s1")
	if err != nil {
		t.Fatalf("load settlement: %v", err)
	}
	c, err := entitycache.Commander(context.Background(), f.cache, "c1")
	if err != nil {
		t.Fatalf("load commander: %v", err)
	}
	if f.treasury(t, "f1") != 900 || s.Population != 950 || c.Troops != 150 {
		t.Fatalf("expected one recruitment, treasury=%d population=%d troops=%d", f.treasury(t, "f1"), s.Population, c.Troops)
	}
}

func TestCommissionRollsBackWhenDebitIsRefused(t *testing.T) {
	f := newFixture(t)
	f.flaky(entity.Key(entity.TypeFaction, "f1"), false)
	f.send(t, "cmd-c1", KindCommission, "f1", `{"commanderId":"c9","name":"Brann","settlementId":"s1"}`)
	f.drain(t)

	if _, err := entitycache.Commander(context.Background(), f.cache, "c9"); err != nil {
		t.Fatalf("expected the commander created before the debit failed: %v", err)
	}
	// The treasury is spent before the command is redelivered.
	_, err := entitycache.Update(context.Background(), f.cache, entity.TypeFaction, "f1", 0, func(fac *entity.Faction) ([]string, error) {
		fac.Treasury = 40
		return []string{"treasury"}, nil
	})
	if err != nil {
		t.Fatalf("spend treasury: %v", err)
	}
	f.redeliver(t)

	if res := f.result(t, "cmd-c1"); res.Status != ports.CommandRejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if _, err := entitycache.Commander(context.Background(), f.cache, "c9"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected the unpaid commander removed, err=%v", err)
	}
	if f.treasury(t, "f1") != 40 {
		t.Fatalf("treasury must be untouched, got %d", f.treasury(t, "f1"))
	}
}

func TestStepSkipsJournaledWork(t *testing.T) {
	f := newFixture(t)
	hc := &Context{Cache: f.cache, Command: Command{ID: "cmd-s1"}, Log: zerolog.Nop(), applied: map[string]bool{"debit": true}}
	ran := false
	err := hc.Step(context.Background(), "debit", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || ran {
		t.Fatalf("applied step must be skipped, ran=%v err=%v", ran, err)
	}
	err = hc.Step(context.Background(), "credit", func(ctx context.Context) error {
		_, err := creditTreasury(ctx, hc, "f2", 10)
		return err
	})
	if err != nil || !hc.Applied("credit") {
		t.Fatalf("credit step: applied=%v err=%v", hc.Applied("credit"), err)
	}
	// A second write journaling the same step is refused by the store.
	_, err = creditTreasury(entitycache.WithStep(context.Background(), ports.StepMark{CommandID: "cmd-s1", Step: "credit", TTL: time.Minute}), hc, "f2", 10)
	if !errors.Is(err, ports.ErrStepApplied) {
		t.Fatalf("expected ErrStepApplied, got %v", err)
	}
	if f.treasury(t, "f2") != 60 {
		t.Fatalf("expected one credit, got %d", f.treasury(t, "f2"))
	}
}
