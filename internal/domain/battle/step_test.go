package battle

import (
	"reflect"
	"testing"
	"time"
)

func duel(attackerTroops, defenderTroops int64) Snapshot {
	rules := DefaultRules()
	units := Deploy("b1", []Participant{
		{CommanderID: "A", Side: SideAttacker, Troops: attackerTroops, Attack: 20, Defense: 10, Morale: 100},
		{CommanderID: "B", Side: SideDefender, Troops: defenderTroops, Attack: 15, Defense: 10, Morale: 100},
	}, rules)
	return Snapshot{
		Session: Session{ID: "b1", Mode: ModeTurnBased, Status: StatusInProgress, AttackerCommanders: []string{"A"}, DefenderCommanders: []string{"B"}},
		Units:   units,
	}
}

func TestDamageHasFloorOfOne(t *testing.T) {
	weak := Unit{Attack: 1, Morale: 100}
	tough := Unit{Defense: 100, Morale: 100}
	if got := Damage(weak, tough); got != 1 {
		t.Fatalf("expected floor damage 1, got %v", got)
	}
	strong := Unit{Attack: 20, Morale: 50}
	plain := Unit{Defense: 10, Morale: 100}
	if got := Damage(strong, plain); got != 5 {
		t.Fatalf("expected morale-scaled damage 5, got %v", got)
	}
}

func TestDeployPutsFrontLinesInMeleeRange(t *testing.T) {
	s := duel(10, 10)
	if d := distance(s.Units[0].Position, s.Units[1].Position); d > DefaultRules().MeleeRange {
		t.Fatalf("expected deployment within melee range, got %v", d)
	}
	if s.Units[0].MaxHP != 10 || s.Units[0].Status != UnitActive {
		t.Fatalf("unexpected unit: %+v", s.Units[0])
	}
}

func TestAutoCombatRunsToAttackerVictory(t *testing.T) {
	s := duel(500, 400)
	rules := DefaultRules()
	var out *Outcome
	for i := 0; i < rules.RoundCap && out == nil; i++ {
		out = Advance(&s, rules, time.Unix(0, 0)).Outcome
	}
	if out == nil {
		t.Fatal("expected battle to terminate")
	}
	if out.Winner != WinnerAttacker || out.Reason != ReasonDefendersDestroyed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if s.Session.CurrentRound >= rules.RoundCap {
		t.Fatalf("expected termination before cap, round=%d", s.Session.CurrentRound)
	}
	casualties := Casualties(s.Units)
	for _, u := range s.Units {
		if casualties[u.CommanderID] != u.TroopsReserved-u.TroopsCurrent {
			t.Fatalf("casualties mismatch for %s: %d", u.CommanderID, casualties[u.CommanderID])
		}
	}
	if casualties["B"] != 400 {
		t.Fatalf("expected defender wiped out, got %d", casualties["B"])
	}
	if wiped := Wiped(s.Units); len(wiped) != 1 || wiped[0] != "B" {
		t.Fatalf("unexpected wiped commanders: %v", wiped)
	}
}

func TestAdvanceIsDeterministic(t *testing.T) {
	a, b := duel(50, 60), duel(50, 60)
	rules := DefaultRules()
	for i := 0; i < 5; i++ {
		ra := Advance(&a, rules, time.Unix(1, 0))
		rb := Advance(&b, rules, time.Unix(1, 0))
		if !reflect.DeepEqual(ra, rb) {
			t.Fatalf("step %d diverged", i)
		}
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("snapshots diverged")
	}
}

func TestManualIntentSuppressesAutoCombat(t *testing.T) {
	s := duel(10, 10)
	s.Intents = []Intent{{ID: "i1", BattleID: "b1", UnitID: UnitID("b1", "A"), Type: IntentHold, Status: IntentPending}}
	Advance(&s, DefaultRules(), time.Unix(0, 0))
	if s.Intents[0].Status != IntentCompleted || s.Intents[0].ExecutedAt != 1 {
		t.Fatalf("unexpected intent: %+v", s.Intents[0])
	}
	defender := s.Unit(UnitID("b1", "B"))
	if defender.HP != defender.MaxHP {
		t.Fatalf("holding attacker must not auto-attack, defender hp=%v", defender.HP)
	}
	attacker := s.Unit(UnitID("b1", "A"))
	if attacker.HP == attacker.MaxHP {
		t.Fatal("defender without intent should auto-attack")
	}
}

func TestAttackOutOfRangeIsCancelled(t *testing.T) {
	s := duel(10, 10)
	s.Unit(UnitID("b1", "B")).Position = Position{X: 10, Y: 0}
	s.Intents = []Intent{{
		ID: "i1", UnitID: UnitID("b1", "A"), Type: IntentAttack, Status: IntentPending,
		Params: IntentParams{TargetUnitID: UnitID("b1", "B"), AttackType: AttackRanged},
	}}
	Advance(&s, DefaultRules(), time.Unix(0, 0))
	if s.Intents[0].Status != IntentCancelled {
		t.Fatalf("expected cancelled intent, got %s", s.Intents[0].Status)
	}
}

func TestMoveIsBoundedBySpeed(t *testing.T) {
	s := duel(10, 10)
	x, y := 0.0, 10.0
	s.Unit(UnitID("b1", "A")).Speed = 2
	s.Intents = []Intent{{ID: "i1", UnitID: UnitID("b1", "A"), Type: IntentMove, Status: IntentPending, Params: IntentParams{TargetX: &x, TargetY: &y}}}
	Advance(&s, DefaultRules(), time.Unix(0, 0))
	if got := s.Unit(UnitID("b1", "A")).Position; got != (Position{X: 0, Y: 2}) {
		t.Fatalf("unexpected position: %+v", got)
	}
}

func TestMutualRetreatEndsInWithdrawal(t *testing.T) {
	s := duel(10, 10)
	s.Intents = []Intent{
		{ID: "i1", UnitID: UnitID("b1", "A"), Type: IntentRetreat, Status: IntentPending},
		{ID: "i2", UnitID: UnitID("b1", "B"), Type: IntentRetreat, Status: IntentPending},
	}
	res := Advance(&s, DefaultRules(), time.Unix(0, 0))
	if res.Outcome == nil || res.Outcome.Reason != ReasonWithdrawal || res.Outcome.Winner != WinnerDraw {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
}

func TestRoutedUnitBlocksWithdrawal(t *testing.T) {
	s := duel(10, 10)
	s.Unit(UnitID("b1", "A")).Status = UnitRetreating
	s.Unit(UnitID("b1", "B")).Status = UnitRouted
	if out, done := CheckTermination(s, DefaultRules()); done {
		t.Fatalf("a routed unit is not retreating, got %+v", out)
	}
	s.Unit(UnitID("b1", "B")).Status = UnitRetreating
	if out, done := CheckTermination(s, DefaultRules()); !done || out.Reason != ReasonWithdrawal {
		t.Fatalf("expected withdrawal once every unit retreats, got %+v done=%v", out, done)
	}
}

func TestRoundCapEndsInExhaustion(t *testing.T) {
	s := duel(10, 10)
	s.Unit(UnitID("b1", "B")).Position = Position{X: 50, Y: 50}
	rules := DefaultRules()
	s.Session.CurrentRound = rules.RoundCap - 1
	res := Advance(&s, rules, time.Unix(0, 0))
	if res.Outcome == nil || res.Outcome.Reason != ReasonExhaustion {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
}

func TestTerminationPrefersDefenderWhenBothSidesFall(t *testing.T) {
	s := duel(10, 10)
	for i := range s.Units {
		s.Units[i].HP = 0
		s.Units[i].Status = UnitDestroyed
	}
	out, done := CheckTermination(s, DefaultRules())
	if !done || out.Winner != WinnerDefender {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestValidateIntent(t *testing.T) {
	s := duel(10, 10)
	if err := ValidateIntent(s, Intent{UnitID: "nope", Type: IntentHold}); err != ErrUnknownUnit {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
	if err := ValidateIntent(s, Intent{UnitID: UnitID("b1", "A"), Type: IntentMove}); err != ErrInvalidIntent {
		t.Fatalf("expected ErrInvalidIntent for move without target, got %v", err)
	}
	if err := ValidateIntent(s, Intent{UnitID: UnitID("b1", "A"), Type: "DANCE"}); err != ErrInvalidIntent {
		t.Fatalf("expected ErrInvalidIntent for unknown type, got %v", err)
	}
	ok := Intent{UnitID: UnitID("b1", "A"), Type: IntentAttack, Params: IntentParams{TargetUnitID: UnitID("b1", "B")}}
	if err := ValidateIntent(s, ok); err != nil {
		t.Fatalf("expected valid attack, got %v", err)
	}
}
