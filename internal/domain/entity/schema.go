package entity

import "strings"

// Kind is the wire type of a stored field.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindJSON
)

const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldDirty     = "dirty"
	FieldUpdatedAt = "updatedAt"

	FieldTroops         = "troops"
	FieldTroopsReserved = "troopsReserved"
	FieldStatus         = "status"
	FieldFactionID      = "factionId"

	// ReservationPrefix prefixes the per-battle reservation fields of a commander.
	ReservationPrefix = "rsv:"
)

func ReservationField(battleID string) string { return ReservationPrefix + battleID }

type Schema struct {
	Type     Type
	Fields   map[string]Kind
	Prefixes map[string]Kind
	// Legacy maps retired field names onto their current name.
	Legacy map[string]string
	// Indexes maps an index name to the field holding the parent id.
	Indexes map[string]string
	// CacheOnly lists fields (or prefixes ending in ':') that never reach the durable store.
	CacheOnly []string
}

func metaFields() map[string]Kind {
	return map[string]Kind{
		FieldID:        KindString,
		FieldVersion:   KindInt,
		FieldDirty:     KindBool,
		FieldUpdatedAt: KindInt,
	}
}

func IsMetaField(name string) bool {
	_, ok := metaFields()[name]
	return ok
}

var schemas = map[Type]Schema{
	TypeCommander: {
		Type: TypeCommander,
		Fields: map[string]Kind{
			"name":              KindString,
			FieldFactionID:      KindString,
			"settlementId":      KindString,
			FieldTroops:         KindInt,
			FieldTroopsReserved: KindInt,
			"attack":            KindFloat,
			"defense":           KindFloat,
			"speed":             KindFloat,
			"morale":            KindFloat,
			FieldStatus:         KindString,
			"position":          KindJSON,
		},
		Prefixes:  map[string]Kind{ReservationPrefix: KindInt},
		Legacy:    map[string]string{"troop_count": FieldTroops, "faction_id": FieldFactionID},
		Indexes:   map[string]string{IndexByFaction: FieldFactionID},
		CacheOnly: []string{FieldTroopsReserved, ReservationPrefix},
	},
	TypeSettlement: {
		Type: TypeSettlement,
		Fields: map[string]Kind{
			"name":         KindString,
			FieldFactionID: KindString,
			"ownerId":      KindString,
			"population":   KindInt,
			"gold":         KindInt,
			"food":         KindInt,
			"taxRate":      KindFloat,
			"buildings":    KindJSON,
			"position":     KindJSON,
		},
		Legacy:  map[string]string{"tax_rate": "taxRate", "faction_id": FieldFactionID},
		Indexes: map[string]string{IndexByFaction: FieldFactionID},
	},
	TypeFaction: {
		Type: TypeFaction,
		Fields: map[string]Kind{
			"name":          KindString,
			"leaderId":      KindString,
			"capitalId":     KindString,
			"treasury":      KindInt,
			"isAI":          KindBool,
			"warExhaustion": KindFloat,
		},
		Legacy: map[string]string{"gold": "treasury"},
	},
	TypeRelation: {
		Type: TypeRelation,
		Fields: map[string]Kind{
			"factionA":  KindString,
			"factionB":  KindString,
			"stance":    KindString,
			"score":     KindInt,
			"sinceTurn": KindInt,
		},
	},
}

func SchemaOf(t Type) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// KindOf resolves a field name against the schema, including dynamic prefixes.
func (s Schema) KindOf(name string) (Kind, bool) {
	if k, ok := s.Fields[name]; ok {
		return k, true
	}
	for prefix, k := range s.Prefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return k, true
		}
	}
	return 0, false
}

func (s Schema) IsCacheOnly(name string) bool {
	for _, c := range s.CacheOnly {
		if strings.HasSuffix(c, ":") {
			if strings.HasPrefix(name, c) {
				return true
			}
			continue
		}
		if name == c {
			return true
		}
	}
	return false
}
