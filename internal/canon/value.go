package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface over the types the canonical encoder accepts.
// Only Null, String, Int, Float, Bool, Array, and Object implement it.
type Value interface {
	canonValue() // sealed
}

// Null represents a JSON null.
type Null struct{}

func (Null) canonValue() {}

// String represents a string value.
type String string

func (String) canonValue() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) canonValue() {}

// Float represents a finite floating-point value.
// NaN and Infinity are rejected at encode time.
type Float float64

func (Float) canonValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) canonValue() {}

// Array represents an ordered sequence of values.
type Array []Value

func (Array) canonValue() {}

// Object represents a string-keyed map of values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonValue() {}

// SortedKeys returns keys in canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which produces a DIFFERENT
// order for strings outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 compares strings by UTF-16 code units as required for
// canonical key ordering. utf16.Encode handles surrogate pairs correctly.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// FromGo converts an arbitrary Go value into a Value.
//
// Conversions:
//   - time.Time → String in RFC 3339 (nanosecond) form, always UTC
//   - float64/float32 → Float, rejecting NaN and Infinity
//   - json.Number → Int when integral, Float otherwise
//   - nil → Null
//
// Unsupported types return an error rather than being coerced.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case float32:
		return floatValue(float64(val))
	case float64:
		return floatValue(val)
	case time.Time:
		return String(val.UTC().Format(time.RFC3339Nano)), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", val)
		}
		return floatValue(f)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical encoding: %T", v)
	}
}

func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float forbidden in canonical encoding: %v", f)
	}
	// Integral floats normalize to Int so that 2 and 2.0 hash identically.
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// Decode parses canonical JSON bytes back into a Value.
// Numbers decode as Int when integral, Float otherwise.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// ToGo converts a Value back into plain Go types
// (nil, string, int64, float64, bool, []any, map[string]any).
func ToGo(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}
