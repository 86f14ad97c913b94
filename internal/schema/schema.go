// Package schema provides the source-schema descriptor used at resume
// time to restore precise value types from canonically-serialized storage.
//
// Canonical serialization degrades timestamps to RFC 3339 strings. When
// recovery re-reads a row payload, the source plugin's declared schema is
// the only authority on what the values originally were; restoration is
// mandatory, not best-effort.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FieldType is the declared type of one source field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
)

// Valid reports whether the field type is known.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// Field declares one field of a source schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// SourceSchema is a source plugin's declared row schema.
type SourceSchema struct {
	Plugin string  `json:"plugin"`
	Fields []Field `json:"fields"`
}

// Resolver resolves the schema for a plugin. It is passed explicitly into
// the recovery manager; there is no process-wide registry.
type Resolver interface {
	Resolve(plugin string) (SourceSchema, error)
}

// MapResolver is a Resolver backed by a plain map.
type MapResolver map[string]SourceSchema

// Resolve returns the schema registered for plugin.
func (m MapResolver) Resolve(plugin string) (SourceSchema, error) {
	s, ok := m[plugin]
	if !ok {
		return SourceSchema{}, fmt.Errorf("no schema registered for plugin %q", plugin)
	}
	return s, nil
}

// Parse decodes a stored source-schema descriptor.
func Parse(data []byte) (SourceSchema, error) {
	var s SourceSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return SourceSchema{}, fmt.Errorf("parse source schema: %w", err)
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return SourceSchema{}, fmt.Errorf("parse source schema: field with empty name")
		}
		if !f.Type.Valid() {
			return SourceSchema{}, fmt.Errorf("parse source schema: field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return s, nil
}

// Encode serializes the descriptor for storage on the run.
func (s SourceSchema) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode source schema: %w", err)
	}
	return data, nil
}

// Restore re-types a row decoded from canonical storage. Timestamps come
// back as time.Time, ints as int64, floats as float64, never left as the
// strings or json.Numbers the storage round-trip produced.
//
// Restore cannot silently empty a row: every input key either restores
// through its declared type (failing loudly when the value does not fit)
// or passes through undeclared. A key only disappears when it is declared
// and absent, which the Required flag polices.
func (s SourceSchema) Restore(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))

	for _, f := range s.Fields {
		raw, ok := in[f.Name]
		if !ok {
			if f.Required {
				return nil, fmt.Errorf("restore row: required field %q missing", f.Name)
			}
			continue
		}
		v, err := restoreValue(f.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("restore row: field %q: %w", f.Name, err)
		}
		out[f.Name] = v
	}

	// Fields the schema does not declare pass through unchanged; they are
	// data, not noise, and dropping them would alter the payload hash.
	for k, v := range in {
		if _, ok := out[k]; !ok && !s.declares(k) {
			out[k] = v
		}
	}

	return out, nil
}

func (s SourceSchema) declares(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func restoreValue(t FieldType, raw any) (any, error) {
	switch t {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil

	case TypeInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case json.Number:
			return v.Int64()
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		}
		return nil, fmt.Errorf("expected int, got %T", raw)

	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		}
		return nil, fmt.Errorf("expected float, got %T", raw)

	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil

	case TypeTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
			}
			return ts, nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", raw)
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}
