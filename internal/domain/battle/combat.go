package battle

import (
	"math"
	"sort"
)

type Rules struct {
	MeleeRange  float64
	RangedRange float64
	RoundCap    int
	TickCap     int
	HPPerTroop  float64
	// LineSpacing is the y distance between neighbouring units of one side.
	LineSpacing float64
	// FrontGap is the x distance between the two deployment lines.
	FrontGap float64
}

func DefaultRules() Rules {
	return Rules{
		MeleeRange:  1.5,
		RangedRange: 6,
		RoundCap:    100,
		TickCap:     600,
		HPPerTroop:  1,
		LineSpacing: 1,
		FrontGap:    1,
	}
}

func (r Rules) Cap(mode Mode) int {
	if mode == ModeRealtime {
		return r.TickCap
	}
	return r.RoundCap
}

func (r Rules) Range(t AttackType) float64 {
	if t == AttackRanged {
		return r.RangedRange
	}
	return r.MeleeRange
}

// Participant is a commander entering a battle with its reserved troops.
type Participant struct {
	CommanderID string
	Side        Side
	Troops      int64
	Attack      float64
	Defense     float64
	Speed       float64
	Morale      float64
}

func UnitID(battleID, commanderID string) string { return battleID + ":" + commanderID }

// Deploy places attackers on x=0 and defenders one front gap away, one row per commander.
func Deploy(battleID string, participants []Participant, rules Rules) []Unit {
	units := make([]Unit, 0, len(participants))
	rows := map[Side]int{}
	for _, p := range participants {
		x := 0.0
		if p.Side == SideDefender {
			x = rules.FrontGap
		}
		row := rows[p.Side]
		rows[p.Side]++
		morale := p.Morale
		if morale <= 0 {
			morale = 100
		}
		speed := p.Speed
		if speed <= 0 {
			speed = 1
		}
		maxHP := float64(p.Troops) * rules.HPPerTroop
		units = append(units, Unit{
			ID:             UnitID(battleID, p.CommanderID),
			BattleID:       battleID,
			CommanderID:    p.CommanderID,
			Side:           p.Side,
			TroopsReserved: p.Troops,
			TroopsCurrent:  p.Troops,
			Position:       Position{X: x, Y: float64(row) * rules.LineSpacing},
			HP:             maxHP,
			MaxHP:          maxHP,
			Attack:         p.Attack,
			Defense:        p.Defense,
			Speed:          speed,
			Morale:         morale,
			Status:         UnitActive,
		})
	}
	return units
}

// Damage scales both sides by morale/100 and never drops below 1.
func Damage(attacker, defender Unit) float64 {
	atk := attacker.Attack * attacker.Morale / 100
	def := defender.Defense * defender.Morale / 100
	return math.Max(1, atk-0.5*def)
}

// applyDamage reports whether the unit was destroyed by this hit.
func applyDamage(u *Unit, dmg float64) bool {
	u.HP = math.Max(0, u.HP-dmg)
	if u.HP <= 0 || u.MaxHP <= 0 {
		u.HP = 0
		u.TroopsCurrent = 0
		u.Status = UnitDestroyed
		return true
	}
	u.TroopsCurrent = int64(math.Ceil(float64(u.TroopsReserved) * u.HP / u.MaxHP))
	return false
}

func distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// moveToward steps at most speed along the straight line to target.
func moveToward(u *Unit, target Position) {
	d := distance(u.Position, target)
	if d == 0 {
		return
	}
	if d <= u.Speed {
		u.Position = target
		return
	}
	f := u.Speed / d
	u.Position.X += (target.X - u.Position.X) * f
	u.Position.Y += (target.Y - u.Position.Y) * f
}

func nearestEnemy(s *Snapshot, u *Unit, maxRange float64) *Unit {
	var best *Unit
	bestDist := math.Inf(1)
	for i := range s.Units {
		other := &s.Units[i]
		if other.Side == u.Side || !other.Alive() {
			continue
		}
		d := distance(u.Position, other.Position)
		if d > maxRange {
			continue
		}
		if d < bestDist || (d == bestDist && best != nil && other.ID < best.ID) {
			best, bestDist = other, d
		}
	}
	return best
}

// Casualties sums troopsReserved - troopsCurrent per commander.
func Casualties(units []Unit) map[string]int64 {
	out := make(map[string]int64, len(units))
	for _, u := range units {
		lost := u.TroopsReserved - u.TroopsCurrent
		if lost < 0 {
			lost = 0
		}
		out[u.CommanderID] += lost
	}
	return out
}

// Wiped lists commanders whose units in this battle have no troops left.
func Wiped(units []Unit) []string {
	remaining := map[string]int64{}
	for _, u := range units {
		remaining[u.CommanderID] += u.TroopsCurrent
	}
	var out []string
	for id, n := range remaining {
		if n <= 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
