package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/trigger"
)

// Buffer snapshots are encoded with explicit type tags so values round
// trip typed. Canonical JSON would degrade a time.Time to a string; a
// resumed aggregation buffer must see the same Go types the crashed
// process held.

type snapshotJSON struct {
	Units         []unitJSON `json:"units"`
	AgeUS         int64      `json:"age_us"`
	FlushedUnits  int64      `json:"flushed_units"`
	FlushedTimeUS int64      `json:"flushed_time_us"`
}

type unitJSON struct {
	TokenID string                `json:"token_id"`
	RowID   string                `json:"row_id"`
	Value   map[string]typedValue `json:"value"`
}

type typedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

// EncodeBuffers serializes per-node aggregation buffer snapshots, keyed
// by node ID.
func EncodeBuffers(buffers map[string]trigger.Snapshot) ([]byte, error) {
	out := make(map[string]snapshotJSON, len(buffers))
	for nodeID, snap := range buffers {
		units := make([]unitJSON, len(snap.Units))
		for i, u := range snap.Units {
			value := make(map[string]typedValue, len(u.Value))
			for k, v := range u.Value {
				tv, err := encodeValue(v)
				if err != nil {
					return nil, fmt.Errorf("encode buffer %s unit %s field %q: %w", nodeID, u.TokenID, k, err)
				}
				value[k] = tv
			}
			units[i] = unitJSON{TokenID: u.TokenID, RowID: u.RowID, Value: value}
		}
		out[nodeID] = snapshotJSON{
			Units:         units,
			AgeUS:         snap.Age.Microseconds(),
			FlushedUnits:  snap.FlushedUnits,
			FlushedTimeUS: snap.FlushedTime.Microseconds(),
		}
	}
	return json.Marshal(out)
}

// DecodeBuffers reverses EncodeBuffers. Any structural invalidity means
// the checkpoint record itself is damaged, so everything surfaces as
// CheckpointCorruptionError rather than a decode error the caller might
// ignore.
func DecodeBuffers(runID string, data []byte) (map[string]trigger.Snapshot, error) {
	corrupt := func(format string, args ...any) error {
		return &ledger.CheckpointCorruptionError{RunID: runID, Message: fmt.Sprintf(format, args...)}
	}

	var raw map[string]snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, corrupt("buffer state is not valid JSON: %v", err)
	}

	out := make(map[string]trigger.Snapshot, len(raw))
	for nodeID, sj := range raw {
		if sj.AgeUS < 0 || sj.FlushedTimeUS < 0 || sj.FlushedUnits < 0 {
			return nil, corrupt("buffer %s has negative counters", nodeID)
		}
		units := make([]trigger.Unit, len(sj.Units))
		for i, uj := range sj.Units {
			if uj.TokenID == "" {
				return nil, corrupt("buffer %s unit %d has empty token id", nodeID, i)
			}
			value := make(map[string]any, len(uj.Value))
			for k, tv := range uj.Value {
				v, err := decodeValue(tv)
				if err != nil {
					return nil, corrupt("buffer %s unit %s field %q: %v", nodeID, uj.TokenID, k, err)
				}
				value[k] = v
			}
			units[i] = trigger.Unit{TokenID: uj.TokenID, RowID: uj.RowID, Value: value}
		}
		out[nodeID] = trigger.Snapshot{
			Units:        units,
			Age:          time.Duration(sj.AgeUS) * time.Microsecond,
			FlushedUnits: sj.FlushedUnits,
			FlushedTime:  time.Duration(sj.FlushedTimeUS) * time.Microsecond,
		}
	}
	return out, nil
}

func encodeValue(v any) (typedValue, error) {
	tag := ""
	var payload any

	switch x := v.(type) {
	case nil:
		return typedValue{T: "null", V: json.RawMessage("null")}, nil
	case string:
		tag, payload = "s", x
	case bool:
		tag, payload = "b", x
	case int:
		tag, payload = "i", int64(x)
	case int8:
		tag, payload = "i", int64(x)
	case int16:
		tag, payload = "i", int64(x)
	case int32:
		tag, payload = "i", int64(x)
	case int64:
		tag, payload = "i", x
	case uint8:
		tag, payload = "i", int64(x)
	case uint16:
		tag, payload = "i", int64(x)
	case uint32:
		tag, payload = "i", int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return typedValue{}, fmt.Errorf("integer %d overflows the typed encoding", x)
		}
		tag, payload = "i", int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return typedValue{}, fmt.Errorf("integer %d overflows the typed encoding", x)
		}
		tag, payload = "i", int64(x)
	case float32:
		tag, payload = "f", float64(x)
	case float64:
		tag, payload = "f", x
	case time.Time:
		tag, payload = "ts", x.UTC().Format(time.RFC3339Nano)
	default:
		// Nested structures keep plain JSON typing.
		tag, payload = "json", x
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, err
	}
	return typedValue{T: tag, V: raw}, nil
}

func decodeValue(tv typedValue) (any, error) {
	switch tv.T {
	case "null":
		return nil, nil
	case "s":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "b":
		var b bool
		if err := json.Unmarshal(tv.V, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "i":
		var i int64
		if err := json.Unmarshal(tv.V, &i); err != nil {
			return nil, err
		}
		return i, nil
	case "f":
		var f float64
		if err := json.Unmarshal(tv.V, &f); err != nil {
			return nil, err
		}
		return f, nil
	case "ts":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return t, nil
	case "json":
		var v any
		if err := json.Unmarshal(tv.V, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown value tag %q", tv.T)
}
