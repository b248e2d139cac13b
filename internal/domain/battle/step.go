package battle

import (
	"sort"
	"time"
)

type Outcome struct {
	Winner Winner
	Reason EndReason
}

type StepResult struct {
	Events  []Event
	Outcome *Outcome
}

type unitView struct {
	ID            string     `json:"id"`
	Side          Side       `json:"side"`
	HP            float64    `json:"hp"`
	TroopsCurrent int64      `json:"troopsCurrent"`
	Status        UnitStatus `json:"status"`
	Position      Position   `json:"position"`
}

// Advance runs one round or tick: pending intents, then automatic melee for
// active units without an intent, then the snapshot event and termination check.
func Advance(s *Snapshot, rules Rules, now time.Time) StepResult {
	var res StepResult
	if s.Session.Mode == ModeRealtime {
		s.Session.CurrentTick++
	} else {
		s.Session.CurrentRound++
	}
	counter := s.Session.Counter()
	emit := func(t EventType, data any) {
		res.Events = append(res.Events, Event{Type: t, BattleID: s.Session.ID, Timestamp: now.UnixMilli(), Data: data})
	}

	manual := executeIntents(s, rules, counter, emit)

	order := make([]int, len(s.Units))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return s.Units[order[a]].ID < s.Units[order[b]].ID })
	for _, idx := range order {
		u := &s.Units[idx]
		if u.Status != UnitActive || manual[u.ID] {
			continue
		}
		if target := nearestEnemy(s, u, rules.MeleeRange); target != nil {
			strike(u, target, emit)
		}
	}

	views := make([]unitView, 0, len(s.Units))
	for _, u := range s.Units {
		views = append(views, unitView{ID: u.ID, Side: u.Side, HP: u.HP, TroopsCurrent: u.TroopsCurrent, Status: u.Status, Position: u.Position})
	}
	emit(EventTick, map[string]any{"round": s.Session.CurrentRound, "tick": s.Session.CurrentTick, "units": views})

	if out, done := CheckTermination(*s, rules); done {
		res.Outcome = &out
	}
	return res
}

func executeIntents(s *Snapshot, rules Rules, counter int, emit func(EventType, any)) map[string]bool {
	pending := make([]int, 0, len(s.Intents))
	for i := range s.Intents {
		if s.Intents[i].Status == IntentPending {
			pending = append(pending, i)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		x, y := s.Intents[pending[a]], s.Intents[pending[b]]
		if x.IssuedAt != y.IssuedAt {
			return x.IssuedAt < y.IssuedAt
		}
		return x.ID < y.ID
	})

	manual := map[string]bool{}
	for _, idx := range pending {
		in := &s.Intents[idx]
		in.ExecutedAt = counter
		u := s.Unit(in.UnitID)
		if u == nil || u.Status != UnitActive {
			in.Status = IntentCancelled
			continue
		}
		manual[u.ID] = true
		in.Status = IntentExecuting
		if applyIntent(s, u, in, rules, emit) {
			in.Status = IntentCompleted
		} else {
			in.Status = IntentCancelled
		}
	}
	return manual
}

func applyIntent(s *Snapshot, u *Unit, in *Intent, rules Rules, emit func(EventType, any)) bool {
	switch in.Type {
	case IntentMove:
		if in.Params.TargetX == nil || in.Params.TargetY == nil {
			return false
		}
		moveToward(u, Position{X: *in.Params.TargetX, Y: *in.Params.TargetY})
		return true
	case IntentAttack:
		target := s.Unit(in.Params.TargetUnitID)
		if target == nil || target.Side == u.Side || !target.Alive() {
			return false
		}
		if distance(u.Position, target.Position) > rules.Range(in.Params.AttackType) {
			return false
		}
		strike(u, target, emit)
		return true
	case IntentHold:
		return true
	case IntentRetreat:
		u.Status = UnitRetreating
		return true
	}
	return false
}

func strike(attacker, defender *Unit, emit func(EventType, any)) {
	dmg := Damage(*attacker, *defender)
	destroyed := applyDamage(defender, dmg)
	emit(EventUnitDamaged, map[string]any{
		"unitId":        defender.ID,
		"attackerId":    attacker.ID,
		"damage":        dmg,
		"hp":            defender.HP,
		"troopsCurrent": defender.TroopsCurrent,
	})
	if destroyed {
		emit(EventUnitDestroyed, map[string]any{
			"unitId":      defender.ID,
			"commanderId": defender.CommanderID,
			"side":        defender.Side,
		})
	}
}

// CheckTermination applies the end conditions in priority order.
func CheckTermination(s Snapshot, rules Rules) (Outcome, bool) {
	var attackers, defenders, alive, retreating int
	for _, u := range s.Units {
		if !u.Alive() {
			continue
		}
		alive++
		if u.Side == SideAttacker {
			attackers++
		} else {
			defenders++
		}
		if u.Status == UnitRetreating {
			retreating++
		}
	}
	switch {
	case attackers == 0:
		return Outcome{Winner: WinnerDefender, Reason: ReasonAttackersDestroyed}, true
	case defenders == 0:
		return Outcome{Winner: WinnerAttacker, Reason: ReasonDefendersDestroyed}, true
	case s.Session.Counter() >= rules.Cap(s.Session.Mode):
		return Outcome{Winner: WinnerDraw, Reason: ReasonExhaustion}, true
	case alive > 0 && retreating == alive:
		return Outcome{Winner: WinnerDraw, Reason: ReasonWithdrawal}, true
	}
	return Outcome{}, false
}

// ValidateIntent checks an intent against the current battle before it is queued.
func ValidateIntent(s Snapshot, in Intent) error {
	u := s.Unit(in.UnitID)
	if u == nil {
		return ErrUnknownUnit
	}
	if !u.Alive() {
		return ErrInvalidIntent
	}
	switch in.Type {
	case IntentMove:
		if in.Params.TargetX == nil || in.Params.TargetY == nil {
			return ErrInvalidIntent
		}
	case IntentAttack:
		if in.Params.TargetUnitID == "" {
			return ErrInvalidIntent
		}
		switch in.Params.AttackType {
		case "", AttackMelee, AttackRanged:
		default:
			return ErrInvalidIntent
		}
		if s.Unit(in.Params.TargetUnitID) == nil {
			return ErrUnknownUnit
		}
	case IntentHold, IntentRetreat:
	default:
		return ErrInvalidIntent
	}
	return nil
}
