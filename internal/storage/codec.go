package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// EncodeMetadata serializes an open key/value map for a TEXT column.
func EncodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata parses a column written by EncodeMetadata. Empty input yields an empty map.
// Integral numbers decode as int64 and all other numbers as float64.
func DecodeMetadata(raw string) (map[string]any, error) {
	m := map[string]any{}
	if raw == "" || raw == "null" {
		return m, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return map[string]any{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return map[string]any{}, errors.New("unexpected data after metadata object")
	}
	if m == nil {
		return map[string]any{}, nil
	}
	for k, v := range m {
		m[k] = numberValue(v)
	}
	return m, nil
}

// NormalizeMetadata deep copies m into the shape DecodeMetadata returns,
// so in-memory and SQL backends hand back the same value types.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	raw, err := EncodeMetadata(m)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}

func numberValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for k, e := range v {
			v[k] = numberValue(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = numberValue(e)
		}
		return v
	}
	return v
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTags(raw string) ([]string, error) {
	tags := []string{}
	if raw == "" || raw == "null" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}, err
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// encodeOptional stores nil maps as NULL.
func encodeOptional(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	s, err := EncodeMetadata(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtr(n sql.NullBool) *bool {
	if !n.Valid {
		return nil
	}
	b := n.Bool
	return &b
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}
