package entity

import (
	"errors"
	"strings"
	"time"
)

type Type string

const (
	TypeCommander  Type = "commander"
	TypeSettlement Type = "settlement"
	TypeFaction    Type = "faction"
	TypeRelation   Type = "relation"
)

var ErrUnknownType = errors.New("unknown entity type")

func Types() []Type {
	return []Type{TypeCommander, TypeSettlement, TypeFaction, TypeRelation}
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", ErrUnknownType
}

// Key is the primary-store key of one entity.
func Key(t Type, id string) string {
	return string(t) + ":" + id
}

// IndexKey names an index set. An empty parent addresses a type-wide index such as "all".
func IndexKey(t Type, index, parent string) string {
	if parent == "" {
		return string(t) + ":" + index
	}
	return string(t) + ":" + index + ":" + parent
}

const (
	IndexAll       = "all"
	IndexByFaction = "by_faction"
)

// Meta is the bookkeeping every cached entity carries.
type Meta struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Dirty     bool      `json:"dirty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Meta) Base() *Meta { return m }

// Entity is implemented by the pointer form of every variant.
type Entity interface {
	Type() Type
	Base() *Meta
	// Fields returns the typed field map without bookkeeping fields.
	Fields() map[string]any
	// Assign copies decoded field values onto the variant.
	Assign(fields map[string]any) error
}

func New(t Type) (Entity, error) {
	switch t {
	case TypeCommander:
		return &Commander{}, nil
	case TypeSettlement:
		return &Settlement{}, nil
	case TypeFaction:
		return &Faction{}, nil
	case TypeRelation:
		return &Relation{}, nil
	default:
		return nil, ErrUnknownType
	}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
