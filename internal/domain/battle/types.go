package battle

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPreparing  Status = "PREPARING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type Mode string

const (
	ModeRealtime  Mode = "REALTIME"
	ModeTurnBased Mode = "TURN_BASED"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeRealtime:
		return ModeRealtime, nil
	case ModeTurnBased, "":
		return ModeTurnBased, nil
	}
	return "", ErrInvalidMode
}

type Side string

const (
	SideAttacker Side = "attacker"
	SideDefender Side = "defender"
)

type UnitStatus string

const (
	UnitActive     UnitStatus = "active"
	UnitRetreating UnitStatus = "retreating"
	UnitRouted     UnitStatus = "routed"
	UnitDestroyed  UnitStatus = "destroyed"
)

type IntentType string

const (
	IntentMove    IntentType = "MOVE"
	IntentAttack  IntentType = "ATTACK"
	IntentHold    IntentType = "HOLD"
	IntentRetreat IntentType = "RETREAT"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentExecuting IntentStatus = "executing"
	IntentCompleted IntentStatus = "completed"
	IntentCancelled IntentStatus = "cancelled"
)

type AttackType string

const (
	AttackMelee  AttackType = "melee"
	AttackRanged AttackType = "ranged"
)

type Winner string

const (
	WinnerAttacker Winner = "attacker"
	WinnerDefender Winner = "defender"
	WinnerDraw     Winner = "draw"
	WinnerNone     Winner = "none"
)

type EndReason string

const (
	ReasonAttackersDestroyed EndReason = "attackers_destroyed"
	ReasonDefendersDestroyed EndReason = "defenders_destroyed"
	ReasonExhaustion         EndReason = "exhaustion"
	ReasonWithdrawal         EndReason = "mutual_withdrawal"
	ReasonCancelled          EndReason = "cancelled"
	ReasonReservationFailed  EndReason = "reservation_failed"
)

var (
	ErrInvalidMode       = errors.New("invalid battle mode")
	ErrInvalidTransition = errors.New("invalid battle state transition")
	ErrInvalidIntent     = errors.New("invalid battle intent")
	ErrUnknownUnit       = errors.New("unknown battle unit")
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Session struct {
	ID                 string    `json:"id"`
	Mode               Mode      `json:"mode"`
	Status             Status    `json:"status"`
	CurrentRound       int       `json:"currentRound"`
	CurrentTick        int       `json:"currentTick"`
	AttackerFactions   []string  `json:"attackerFactions"`
	DefenderFactions   []string  `json:"defenderFactions"`
	AttackerCommanders []string  `json:"attackerCommanders"`
	DefenderCommanders []string  `json:"defenderCommanders"`
	Result             *Result   `json:"result,omitempty"`
	Version            int64     `json:"version"`
	EmptyAdvances      int       `json:"emptyAdvances,omitempty"`
	// Unsettled lists commanders whose reservation finalize has not succeeded yet.
	Unsettled []string  `json:"unsettled,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Counter is the round index for turn-based battles and the tick index otherwise.
func (s Session) Counter() int {
	if s.Mode == ModeRealtime {
		return s.CurrentTick
	}
	return s.CurrentRound
}

func (s Session) Commanders() []string {
	out := make([]string, 0, len(s.AttackerCommanders)+len(s.DefenderCommanders))
	out = append(out, s.AttackerCommanders...)
	return append(out, s.DefenderCommanders...)
}

type Result struct {
	Winner              Winner           `json:"winner"`
	Reason              EndReason        `json:"reason"`
	Casualties          map[string]int64 `json:"casualties"`
	DestroyedCommanders []string         `json:"destroyedCommanders,omitempty"`
	Rounds              int              `json:"rounds"`
}

type Unit struct {
	ID             string     `json:"id"`
	BattleID       string     `json:"battleId"`
	CommanderID    string     `json:"commanderId"`
	Side           Side       `json:"side"`
	TroopsReserved int64      `json:"troopsReserved"`
	TroopsCurrent  int64      `json:"troopsCurrent"`
	Position       Position   `json:"position"`
	HP             float64    `json:"hp"`
	MaxHP          float64    `json:"maxHp"`
	Attack         float64    `json:"attack"`
	Defense        float64    `json:"defense"`
	Speed          float64    `json:"speed"`
	Morale         float64    `json:"morale"`
	Status         UnitStatus `json:"status"`
}

func (u Unit) Alive() bool { return u.Status != UnitDestroyed && u.HP > 0 }

type IntentParams struct {
	TargetX      *float64   `json:"targetX,omitempty"`
	TargetY      *float64   `json:"targetY,omitempty"`
	TargetUnitID string     `json:"targetUnitId,omitempty"`
	AttackType   AttackType `json:"attackType,omitempty"`
}

type Intent struct {
	ID         string       `json:"id"`
	BattleID   string       `json:"battleId"`
	UnitID     string       `json:"unitId"`
	Type       IntentType   `json:"type"`
	Params     IntentParams `json:"params"`
	Status     IntentStatus `json:"status"`
	IssuedAt   int          `json:"issuedAt"`
	ExecutedAt int          `json:"executedAt,omitempty"`
}

// Snapshot is everything the engine stores for one battle.
type Snapshot struct {
	Session Session  `json:"session"`
	Units   []Unit   `json:"units"`
	Intents []Intent `json:"intents"`
}

func (s *Snapshot) Unit(id string) *Unit {
	for i := range s.Units {
		if s.Units[i].ID == id {
			return &s.Units[i]
		}
	}
	return nil
}

type EventType string

const (
	EventTick           EventType = "BATTLE_TICK"
	EventUnitDamaged    EventType = "UNIT_DAMAGED"
	EventUnitDestroyed  EventType = "UNIT_DESTROYED"
	EventGeneralKIA     EventType = "GENERAL_KIA"
	EventBattleFinished EventType = "BATTLE_FINALIZED"
)

type Event struct {
	Type      EventType `json:"type"`
	BattleID  string    `json:"battleId"`
	Timestamp int64     `json:"timestamp"`
	Version   int64     `json:"version"`
	Data      any       `json:"data"`
}

func EventsChannel(battleID string) string { return "battle:" + battleID + ":events" }
