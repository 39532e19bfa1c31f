package domain

import (
	"fmt"
	"maps"
	"time"
)

// Record is a row of a named collection, passed through verbatim.
// Keys are column names; joined relations appear as nested Records.
type Record map[string]any

// ID returns the record's "id" column as a string.
func (r Record) ID() string {
	return r.String("id")
}

// String returns a column as a string, formatting non-string scalars.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a numeric column as int. JSON numbers decode as float64.
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Time parses a timestamp or date column.
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Nested returns a joined relation stored under alias.
func (r Record) Nested(alias string) Record {
	switch v := r[alias].(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	default:
		return nil
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// EventType is the kind of mutation a change notification reports.
type EventType string

// Change event kinds.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a push notification that a record in a watched collection changed.
// It carries no row data: receivers refetch.
type ChangeEvent struct {
	Collection string    `json:"collection"`
	Type       EventType `json:"type"`
	RecordID   string    `json:"record_id,omitempty"`
	At         time.Time `json:"at"`
}
