package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form key/value bag stored as a JSON text column.
//
// It is used for entry metadata (security flags, sync provenance, upgrade
// history) and audit record state snapshots. Every state transition a row
// goes through must be reconstructable from the flags accumulated here.
type JSONMap map[string]any

// Value implements driver.Valuer for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Bool returns the boolean value stored under key, or false if the key is
// absent or not a boolean.
func (m JSONMap) Bool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

// Float returns the float value stored under key. JSON numbers always
// unmarshal as float64, so this covers confidence values round-tripped
// through the database.
func (m JSONMap) Float(key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// String returns the string value stored under key, or "" if absent.
func (m JSONMap) String(key string) string {
	v, _ := m[key].(string)
	return v
}

// Clone returns a shallow copy of the map. Cloning before mutation keeps
// audit before-state snapshots independent of later edits.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
