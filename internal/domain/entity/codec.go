package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownField = errors.New("unknown entity field")
	ErrBadValue     = errors.New("malformed field value")
)

// DecodeReport lists what a decode had to repair.
type DecodeReport struct {
	Migrated []string
	Dropped  []string
}

func (r DecodeReport) Clean() bool { return len(r.Migrated) == 0 && len(r.Dropped) == 0 }

// EncodeValue renders one typed value as stored text.
// Numbers become decimal text, booleans "0"/"1", nested values JSON.
func EncodeValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("%w: non-finite float", ErrBadValue)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case json.RawMessage:
		if !isNested(string(x)) {
			return "", fmt.Errorf("%w: nested value must be an object or array", ErrBadValue)
		}
		return string(x), nil
	case nil:
		return "", nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		if !isNested(string(raw)) {
			return "", fmt.Errorf("%w: nested value must be an object or array", ErrBadValue)
		}
		return string(raw), nil
	}
}

// DecodeValue parses stored text for a field whose kind is known.
func DecodeValue(kind Kind, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		if raw == "" {
			return int64(0), nil
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrBadValue, raw)
		}
		return int64(f), nil
	case KindFloat:
		if raw == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrBadValue, raw)
		}
		return f, nil
	case KindBool:
		switch raw {
		case "1", "true":
			return true, nil
		case "0", "false", "":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %q is not a boolean", ErrBadValue, raw)
	case KindJSON:
		if raw == "" {
			return json.RawMessage(nil), nil
		}
		if !isNested(raw) || !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: %q is not nested JSON", ErrBadValue, raw)
		}
		return json.RawMessage(raw), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrBadValue, kind)
}

// DecodeLoose types a value whose field name is unknown. Only the leading
// delimiter of nested JSON is trusted; digit-only text stays a string.
func DecodeLoose(raw string) any {
	if isNested(raw) && json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func isNested(raw string) bool {
	s := strings.TrimSpace(raw)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// Encode renders the full field map of e, excluding bookkeeping fields.
func Encode(e Entity) (map[string]string, error) {
	schema, ok := SchemaOf(e.Type())
	if !ok {
		return nil, ErrUnknownType
	}
	out := make(map[string]string)
	for name, v := range e.Fields() {
		if _, ok := schema.KindOf(name); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Type(), name)
		}
		text, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Type(), name, err)
		}
		out[name] = text
	}
	return out, nil
}

// Decode builds a variant from stored text. Meta fields are read when present.
// Legacy names are renamed and unknown names dropped; both are reported.
func Decode(t Type, raw map[string]string) (Entity, DecodeReport, error) {
	var report DecodeReport
	schema, ok := SchemaOf(t)
	if !ok {
		return nil, report, ErrUnknownType
	}
	e, err := New(t)
	if err != nil {
		return nil, report, err
	}
	typed, report, err := decodeFields(schema, raw)
	if err != nil {
		return nil, report, err
	}
	meta := e.Base()
	meta.ID = raw[FieldID]
	if v, ok := raw[FieldVersion]; ok {
		n, err := DecodeValue(KindInt, v)
		if err != nil {
			return nil, report, fmt.Errorf("%s.version: %w", t, err)
		}
		meta.Version = n.(int64)
	}
	if v, ok := raw[FieldDirty]; ok {
		b, err := DecodeValue(KindBool, v)
		if err != nil {
			return nil, report, fmt.Errorf("%s.dirty: %w", t, err)
		}
		meta.Dirty = b.(bool)
	}
	if v, ok := raw[FieldUpdatedAt]; ok && v != "" {
		ms, err := DecodeValue(KindInt, v)
		if err != nil {
			return nil, report, fmt.Errorf("%s.updatedAt: %w", t, err)
		}
		meta.UpdatedAt = time.UnixMilli(ms.(int64)).UTC()
	}
	if err := e.Assign(typed); err != nil {
		return nil, report, err
	}
	return e, report, nil
}

func decodeFields(schema Schema, raw map[string]string) (map[string]any, DecodeReport, error) {
	var report DecodeReport
	typed := make(map[string]any, len(raw))
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if IsMetaField(name) {
			continue
		}
		target := name
		if current, ok := schema.Legacy[name]; ok {
			if _, clash := raw[current]; clash {
				report.Dropped = append(report.Dropped, name)
				continue
			}
			target = current
			report.Migrated = append(report.Migrated, name)
		}
		kind, ok := schema.KindOf(target)
		if !ok {
			report.Dropped = append(report.Dropped, name)
			continue
		}
		v, err := DecodeValue(kind, raw[name])
		if err != nil {
			return nil, report, fmt.Errorf("%s.%s: %w", schema.Type, name, err)
		}
		typed[target] = v
	}
	return typed, report, nil
}

// DocumentData converts an encoded field map into a durable document body.
// Bookkeeping and cache-only fields are stripped.
func DocumentData(t Type, encoded map[string]string) (map[string]any, error) {
	schema, ok := SchemaOf(t)
	if !ok {
		return nil, ErrUnknownType
	}
	typed, _, err := decodeFields(schema, encoded)
	if err != nil {
		return nil, err
	}
	for name := range typed {
		if schema.IsCacheOnly(name) {
			delete(typed, name)
		}
	}
	return typed, nil
}

// Subset picks the named fields out of an encoded map. No names selects all.
func Subset(encoded map[string]string, names []string) map[string]string {
	if len(names) == 0 {
		out := make(map[string]string, len(encoded))
		for k, v := range encoded {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := encoded[name]; ok {
			out[name] = v
		}
	}
	return out
}

func assignString(f map[string]any, name string, dst *string) {
	if v, ok := f[name].(string); ok {
		*dst = v
	}
}

func assignInt(f map[string]any, name string, dst *int64) {
	switch v := f[name].(type) {
	case int64:
		*dst = v
	case int:
		*dst = int64(v)
	case float64:
		*dst = int64(v)
	}
}

func assignFloat(f map[string]any, name string, dst *float64) {
	switch v := f[name].(type) {
	case float64:
		*dst = v
	case int64:
		*dst = float64(v)
	case int:
		*dst = float64(v)
	}
}

func assignBool(f map[string]any, name string, dst *bool) {
	if v, ok := f[name].(bool); ok {
		*dst = v
	}
}

func assignJSON(f map[string]any, name string, dst any) error {
	v, ok := f[name]
	if !ok {
		return nil
	}
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case string:
		raw = []byte(x)
	default:
		var err error
		if raw, err = json.Marshal(x); err != nil {
			return err
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadValue, name, err)
	}
	return nil
}
