package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var ErrMalformedEntry = errors.New("malformed change-log entry")

// ChangeLogEntry records one committed write. Changes holds the encoded
// values of the fields that write touched.
type ChangeLogEntry struct {
	EntityType Type
	ID         string
	Op         Op
	Version    int64
	Changes    map[string]string
	UpdatedAt  time.Time
}

func (e ChangeLogEntry) Values() (map[string]string, error) {
	changes := e.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"entityType": string(e.EntityType),
		"id":         e.ID,
		"op":         string(e.Op),
		"version":    strconv.FormatInt(e.Version, 10),
		"changes":    string(raw),
		"updatedAt":  strconv.FormatInt(e.UpdatedAt.UnixMilli(), 10),
	}, nil
}

func ParseChangeLogEntry(values map[string]string) (ChangeLogEntry, error) {
	t, err := ParseType(values["entityType"])
	if err != nil {
		return ChangeLogEntry{}, fmt.Errorf("%w: entityType %q", ErrMalformedEntry, values["entityType"])
	}
	id := values["id"]
	if id == "" {
		return ChangeLogEntry{}, fmt.Errorf("%w: empty id", ErrMalformedEntry)
	}
	op := Op(values["op"])
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return ChangeLogEntry{}, fmt.Errorf("%w: op %q", ErrMalformedEntry, values["op"])
	}
	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil || version <= 0 {
		return ChangeLogEntry{}, fmt.Errorf("%w: version %q", ErrMalformedEntry, values["version"])
	}
	changes := map[string]string{}
	if raw := values["changes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &changes); err != nil {
			return ChangeLogEntry{}, fmt.Errorf("%w: changes: %v", ErrMalformedEntry, err)
		}
	}
	var updatedAt time.Time
	if raw := values["updatedAt"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ChangeLogEntry{}, fmt.Errorf("%w: updatedAt %q", ErrMalformedEntry, raw)
		}
		updatedAt = time.UnixMilli(ms).UTC()
	}
	return ChangeLogEntry{
		EntityType: t,
		ID:         id,
		Op:         op,
		Version:    version,
		Changes:    changes,
		UpdatedAt:  updatedAt,
	}, nil
}
