package entity

import (
	"sort"
	"strings"
)

type CommanderStatus string

const (
	CommanderActive    CommanderStatus = "active"
	CommanderDestroyed CommanderStatus = "destroyed"
)

type Commander struct {
	Meta
	Name           string           `json:"name"`
	FactionID      string           `json:"factionId"`
	SettlementID   string           `json:"settlementId,omitempty"`
	Troops         int64            `json:"troops"`
	TroopsReserved int64            `json:"troopsReserved"`
	Reservations   map[string]int64 `json:"reservations,omitempty"`
	Attack         float64          `json:"attack"`
	Defense        float64          `json:"defense"`
	Speed          float64          `json:"speed"`
	Morale         float64          `json:"morale"`
	Status         CommanderStatus  `json:"status"`
	Position       Position         `json:"position"`
}

func (*Commander) Type() Type { return TypeCommander }

// Available is the troop count not held by any battle.
func (c *Commander) Available() int64 { return c.Troops - c.TroopsReserved }

func (c *Commander) Fields() map[string]any {
	out := map[string]any{
		"name":              c.Name,
		FieldFactionID:      c.FactionID,
		"settlementId":      c.SettlementID,
		FieldTroops:         c.Troops,
		FieldTroopsReserved: c.TroopsReserved,
		"attack":            c.Attack,
		"defense":           c.Defense,
		"speed":             c.Speed,
		"morale":            c.Morale,
		FieldStatus:         string(c.Status),
		"position":          c.Position,
	}
	for battleID, amount := range c.Reservations {
		out[ReservationField(battleID)] = amount
	}
	return out
}

func (c *Commander) Assign(f map[string]any) error {
	assignString(f, "name", &c.Name)
	assignString(f, FieldFactionID, &c.FactionID)
	assignString(f, "settlementId", &c.SettlementID)
	assignInt(f, FieldTroops, &c.Troops)
	assignInt(f, FieldTroopsReserved, &c.TroopsReserved)
	assignFloat(f, "attack", &c.Attack)
	assignFloat(f, "defense", &c.Defense)
	assignFloat(f, "speed", &c.Speed)
	assignFloat(f, "morale", &c.Morale)
	var status string
	assignString(f, FieldStatus, &status)
	if status != "" {
		c.Status = CommanderStatus(status)
	}
	for name := range f {
		if !strings.HasPrefix(name, ReservationPrefix) {
			continue
		}
		var amount int64
		assignInt(f, name, &amount)
		if c.Reservations == nil {
			c.Reservations = make(map[string]int64)
		}
		c.Reservations[strings.TrimPrefix(name, ReservationPrefix)] = amount
	}
	return assignJSON(f, "position", &c.Position)
}

type Settlement struct {
	Meta
	Name       string         `json:"name"`
	FactionID  string         `json:"factionId"`
	OwnerID    string         `json:"ownerId,omitempty"`
	Population int64          `json:"population"`
	Gold       int64          `json:"gold"`
	Food       int64          `json:"food"`
	TaxRate    float64        `json:"taxRate"`
	Buildings  map[string]int `json:"buildings,omitempty"`
	Position   Position       `json:"position"`
}

func (*Settlement) Type() Type { return TypeSettlement }

func (s *Settlement) Fields() map[string]any {
	buildings := s.Buildings
	if buildings == nil {
		buildings = map[string]int{}
	}
	return map[string]any{
		"name":         s.Name,
		FieldFactionID: s.FactionID,
		"ownerId":      s.OwnerID,
		"population":   s.Population,
		"gold":         s.Gold,
		"food":         s.Food,
		"taxRate":      s.TaxRate,
		"buildings":    buildings,
		"position":     s.Position,
	}
}

func (s *Settlement) Assign(f map[string]any) error {
	assignString(f, "name", &s.Name)
	assignString(f, FieldFactionID, &s.FactionID)
	assignString(f, "ownerId", &s.OwnerID)
	assignInt(f, "population", &s.Population)
	assignInt(f, "gold", &s.Gold)
	assignInt(f, "food", &s.Food)
	assignFloat(f, "taxRate", &s.TaxRate)
	if err := assignJSON(f, "buildings", &s.Buildings); err != nil {
		return err
	}
	return assignJSON(f, "position", &s.Position)
}

type Faction struct {
	Meta
	Name          string  `json:"name"`
	LeaderID      string  `json:"leaderId,omitempty"`
	CapitalID     string  `json:"capitalId,omitempty"`
	Treasury      int64   `json:"treasury"`
	IsAI          bool    `json:"isAI"`
	WarExhaustion float64 `json:"warExhaustion"`
}

func (*Faction) Type() Type { return TypeFaction }

func (f *Faction) Fields() map[string]any {
	return map[string]any{
		"name":          f.Name,
		"leaderId":      f.LeaderID,
		"capitalId":     f.CapitalID,
		"treasury":      f.Treasury,
		"isAI":          f.IsAI,
		"warExhaustion": f.WarExhaustion,
	}
}

func (f *Faction) Assign(m map[string]any) error {
	assignString(m, "name", &f.Name)
	assignString(m, "leaderId", &f.LeaderID)
	assignString(m, "capitalId", &f.CapitalID)
	assignInt(m, "treasury", &f.Treasury)
	assignBool(m, "isAI", &f.IsAI)
	assignFloat(m, "warExhaustion", &f.WarExhaustion)
	return nil
}

type Stance string

const (
	StanceNeutral  Stance = "neutral"
	StanceWar      Stance = "war"
	StancePeace    Stance = "peace"
	StanceAlliance Stance = "alliance"
)

// Relation is the diplomatic state between two factions.
type Relation struct {
	Meta
	FactionA  string `json:"factionA"`
	FactionB  string `json:"factionB"`
	Stance    Stance `json:"stance"`
	Score     int64  `json:"score"`
	SinceTurn int64  `json:"sinceTurn"`
}

// RelationID is order-independent so a pair of factions has exactly one relation.
func RelationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

func (*Relation) Type() Type { return TypeRelation }

func (r *Relation) Fields() map[string]any {
	return map[string]any{
		"factionA":  r.FactionA,
		"factionB":  r.FactionB,
		"stance":    string(r.Stance),
		"score":     r.Score,
		"sinceTurn": r.SinceTurn,
	}
}

func (r *Relation) Assign(f map[string]any) error {
	assignString(f, "factionA", &r.FactionA)
	assignString(f, "factionB", &r.FactionB)
	var stance string
	assignString(f, "stance", &stance)
	if stance != "" {
		r.Stance = Stance(stance)
	}
	assignInt(f, "score", &r.Score)
	assignInt(f, "sinceTurn", &r.SinceTurn)
	return nil
}
