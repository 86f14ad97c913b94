// Package trigger implements per-aggregation-node buffering and
// count/time trigger evaluation.
//
// The hard requirement is crash safety for elapsed time: a 60s timeout
// that had already accumulated 30s before a crash must fire 30s after
// resume, not 60s. Snapshots therefore persist the elapsed window age as
// a duration, never the absolute window-start instant, and restore
// reconstructs the window start against the restoring process's clock.
package trigger

import (
	"fmt"
	"time"
)

// Clock supplies wall-clock time. Passed in so tests control elapsed time.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock.
type WallClock struct{}

// Now returns the current wall-clock time.
func (WallClock) Now() time.Time { return time.Now() }

// Config holds the trigger thresholds for one aggregation node.
type Config struct {
	// CountThreshold fires the trigger when the buffer reaches this many
	// units. Zero disables the count trigger.
	CountThreshold int

	// Timeout fires the trigger when the oldest buffered unit has waited
	// this long. Zero disables the time trigger.
	Timeout time.Duration
}

// Unit is one buffered token awaiting batch submission.
type Unit struct {
	TokenID string
	RowID   string
	Value   map[string]any
}

// Buffer is the trigger state for one aggregation node. It is mutated
// only by the owning node's execution path; there is no cross-node
// sharing.
type Buffer struct {
	cfg   Config
	clock Clock

	units       []Unit
	windowStart time.Time // zero while the buffer is empty

	// Cumulative offsets over prior windows. Diagnostics only; never
	// consulted by trigger evaluation.
	flushedUnits int64
	flushedTime  time.Duration
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg Config, clock Clock) *Buffer {
	return &Buffer{cfg: cfg, clock: clock}
}

// Accept buffers a unit. The first unit since the last flush starts the
// timing window.
func (b *Buffer) Accept(u Unit) {
	if len(b.units) == 0 {
		b.windowStart = b.clock.Now()
	}
	b.units = append(b.units, u)
}

// Count returns the number of buffered units.
func (b *Buffer) Count() int { return len(b.units) }

// Units returns the buffered units in submission order.
func (b *Buffer) Units() []Unit { return b.units }

// BatchAge returns the elapsed time since the current window started,
// or zero for an empty buffer.
func (b *Buffer) BatchAge() time.Duration {
	if len(b.units) == 0 {
		return 0
	}
	return b.clock.Now().Sub(b.windowStart)
}

// ShouldTrigger reports whether the buffer should flush, and why.
// Callers poll this cooperatively; there is no background timer.
func (b *Buffer) ShouldTrigger() (fire bool, triggerType, reason string) {
	if b.cfg.CountThreshold > 0 && len(b.units) >= b.cfg.CountThreshold {
		return true, "count",
			fmt.Sprintf("buffered %d units >= threshold %d", len(b.units), b.cfg.CountThreshold)
	}
	if b.cfg.Timeout > 0 && len(b.units) > 0 {
		if age := b.BatchAge(); age >= b.cfg.Timeout {
			return true, "timeout",
				fmt.Sprintf("batch age %s >= timeout %s", age, b.cfg.Timeout)
		}
	}
	return false, "", ""
}

// Flush drains the buffer, rolls the cumulative offsets, and returns the
// drained units in submission order.
func (b *Buffer) Flush() []Unit {
	drained := b.units
	b.flushedUnits += int64(len(drained))
	if len(drained) > 0 {
		b.flushedTime += b.clock.Now().Sub(b.windowStart)
	}
	b.units = nil
	b.windowStart = time.Time{}
	return drained
}

// FlushedUnits returns the cumulative unit count across prior windows.
func (b *Buffer) FlushedUnits() int64 { return b.flushedUnits }

// FlushedTime returns the cumulative window time across prior windows.
func (b *Buffer) FlushedTime() time.Duration { return b.flushedTime }

// Snapshot is the serializable form of a Buffer. Age is the elapsed
// window duration at snapshot time; an absolute instant would be
// meaningless after a restart with a different clock epoch.
type Snapshot struct {
	Units        []Unit
	Age          time.Duration
	FlushedUnits int64
	FlushedTime  time.Duration
}

// Snapshot captures the buffer state for checkpointing.
func (b *Buffer) Snapshot() Snapshot {
	units := make([]Unit, len(b.units))
	copy(units, b.units)
	return Snapshot{
		Units:        units,
		Age:          b.BatchAge(),
		FlushedUnits: b.flushedUnits,
		FlushedTime:  b.flushedTime,
	}
}

// Restore rebuilds a buffer from a snapshot. The window start becomes
// now minus the persisted age, so the SLA window is continuous across
// the crash boundary, never reset.
func Restore(cfg Config, clock Clock, snap Snapshot) *Buffer {
	b := NewBuffer(cfg, clock)
	b.units = make([]Unit, len(snap.Units))
	copy(b.units, snap.Units)
	if len(b.units) > 0 {
		b.windowStart = clock.Now().Add(-snap.Age)
	}
	b.flushedUnits = snap.FlushedUnits
	b.flushedTime = snap.FlushedTime
	return b
}
