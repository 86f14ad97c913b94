package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() SourceSchema {
	return SourceSchema{
		Plugin: "csv-source",
		Fields: []Field{
			{Name: "id", Type: TypeInt, Required: true},
			{Name: "name", Type: TypeString},
			{Name: "score", Type: TypeFloat},
			{Name: "active", Type: TypeBool},
			{Name: "at", Type: TypeTimestamp},
		},
	}
}

func TestRestoreRetypesDegradedValues(t *testing.T) {
	// Canonical storage degraded these: timestamp to string, int to
	// json.Number.
	in := map[string]any{
		"id":     json.Number("42"),
		"name":   "widget",
		"score":  json.Number("0.5"),
		"active": true,
		"at":     "2025-04-15T08:00:00.5Z",
	}

	out, err := testSchema().Restore(in)
	require.NoError(t, err)

	assert.Equal(t, int64(42), out["id"])
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, 0.5, out["score"])
	assert.Equal(t, true, out["active"])

	at, ok := out["at"].(time.Time)
	require.True(t, ok, "timestamp restored as %T, want time.Time", out["at"])
	assert.Equal(t, time.Date(2025, 4, 15, 8, 0, 0, 500_000_000, time.UTC), at.UTC())
}

func TestRestoreMissingRequiredField(t *testing.T) {
	_, err := testSchema().Restore(map[string]any{"name": "no id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"id"`)
}

func TestRestoreUndeclaredFieldsPassThrough(t *testing.T) {
	out, err := testSchema().Restore(map[string]any{
		"id":    int64(1),
		"extra": "kept",
	})
	require.NoError(t, err)
	assert.Equal(t, "kept", out["extra"])
}

func TestRestoreRejectsWrongType(t *testing.T) {
	_, err := testSchema().Restore(map[string]any{"id": int64(1), "active": "yes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active")
}

func TestRestoreRejectsFractionalInt(t *testing.T) {
	_, err := testSchema().Restore(map[string]any{"id": 1.5})
	require.Error(t, err)
}

func TestRestoreNeverDropsValuesSilently(t *testing.T) {
	// An empty schema passes everything through rather than emptying the row.
	sch := SourceSchema{Plugin: "empty", Fields: nil}
	out, err := sch.Restore(map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["x"])

	// A declared field with an untypable value fails, it never vanishes.
	lossy := SourceSchema{Plugin: "lossy", Fields: []Field{{Name: "x", Type: TypeInt}}}
	_, err = lossy.Restore(map[string]any{"x": "not an int"})
	require.Error(t, err)
}

func TestParseEncodeRoundTrip(t *testing.T) {
	data, err := testSchema().Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testSchema(), parsed)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"plugin":"p","fields":[{"name":"x","type":"decimal"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimal")
}

func TestMapResolver(t *testing.T) {
	r := MapResolver{"csv-source": testSchema()}

	got, err := r.Resolve("csv-source")
	require.NoError(t, err)
	assert.Equal(t, "csv-source", got.Plugin)

	_, err = r.Resolve("unknown")
	assert.Error(t, err)
}
