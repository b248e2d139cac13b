package command

import (
	"context"
	"strings"
	"testing"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

func TestRecruitMovesPopulationIntoTroops(t *testing.T) {
	f := newFixture(t)
	f.send(t, "r1", KindRecruit, "f1", `{"commanderId":"c1","settlementId":"s1","count":50}`)
	f.drain(t)

	if res := f.result(t, "r1"); res.Status != ports.CommandApplied {
		t.Fatalf("expected applied, got %+v", res)
	}
	c, _ := entitycache.Commander(context.Background(), f.cache, "c1")
	s, _ := entitycache.Settlement(context.Background(), f.cache, "s1")
	if c.Troops != 150 || s.Population != 950 || f.treasury(t, "f1") != 900 {
		t.Fatalf("unexpected state troops=%d population=%d treasury=%d", c.Troops, s.Population, f.treasury(t, "f1"))
	}
}

func TestRecruitRejectsForeignSettlement(t *testing.T) {
	f := newFixture(t)
	f.send(t, "r2", KindRecruit, "f1", `{"commanderId":"c1","settlementId":"s2","count":10}`)
	f.drain(t)
	res := f.result(t, "r2")
	if res.Status != ports.CommandRejected || !strings.Contains(res.Reason, "does not belong") {
		t.Fatalf("expected ownership rejection, got %+v", res)
	}
}

func TestCommissionCreatesCommanderOnce(t *testing.T) {
	f := newFixture(t)
	f.send(t, "k1", KindCommission, "f1", `{"commanderId":"c9","name":"Bera","settlementId":"s1","attack":14}`)
	f.send(t, "k2", KindCommission, "f1", `{"commanderId":"c9","name":"Bera","settlementId":"s1"}`)
	f.drain(t)

	c, err := entitycache.Commander(context.Background(), f.cache, "c9")
	if err != nil {
		t.Fatalf("load commissioned commander: %v", err)
	}
	if c.FactionID != "f1" || c.Attack != 14 || c.Defense != 10 || c.Morale != 100 || c.Status != entity.CommanderActive {
		t.Fatalf("unexpected commander: %+v", c)
	}
	if res := f.result(t, "k2"); res.Status != ports.CommandRejected {
		t.Fatalf("second commission of the same id must be rejected, got %+v", res)
	}
	if got := f.treasury(t, "f1"); got != 1000-CommissionCost {
		t.Fatalf("expected a single commission charge, treasury=%d", got)
	}
	ids, _ := f.store.ListIDs(context.Background(), entity.TypeCommander, entity.IndexByFaction, "f1")
	if len(ids) != 2 {
		t.Fatalf("expected commander indexed under its faction, got %v", ids)
	}
}

func TestDiplomacyStanceTransitions(t *testing.T) {
	f := newFixture(t)
	f.send(t, "d1", KindDeclareWar, "f1", `{"targetFactionId":"f2"}`)
	f.send(t, "d2", KindFormAlliance, "f2", `{"targetFactionId":"f1"}`)
	f.send(t, "d3", KindMakePeace, "f2", `{"targetFactionId":"f1"}`)
	f.send(t, "d4", KindMakePeace, "f1", `{"targetFactionId":"f2"}`)
	f.drain(t)

	want := map[string]ports.CommandStatus{
		"d1": ports.CommandApplied,
		"d2": ports.CommandRejected,
		"d3": ports.CommandApplied,
		"d4": ports.CommandRejected,
	}
	for id, status := range want {
		if res := f.result(t, id); res.Status != status {
			t.Fatalf("%s: expected %s, got %+v", id, status, res)
		}
	}
	rel, err := entitycache.Relation(context.Background(), f.cache, "f2", "f1")
	if err != nil {
		t.Fatalf("load relation: %v", err)
	}
	if rel.Stance != entity.StancePeace || rel.Score != -25 || rel.SinceTurn != 3 || rel.Version != 2 {
		t.Fatalf("unexpected relation: %+v", rel)
	}
}

func TestHandlersRejectUnknownEntities(t *testing.T) {
	f := newFixture(t)
	f.send(t, "u1", KindCollectTaxes, "f1", `{"settlementId":"nowhere"}`)
	f.send(t, "u2", KindTransferGold, "f1", `{"toFactionId":"ghost","amount":1}`)
	f.send(t, "u3", KindDeclareWar, "f1", `{"targetFactionId":"f1"}`)
	f.drain(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		if res := f.result(t, id); res.Status != ports.CommandRejected {
			t.Fatalf("%s: expected rejection, got %+v", id, res)
		}
	}
}
