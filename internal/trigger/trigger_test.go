package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/testutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCountTrigger(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{CountThreshold: 3}, clock)

	b.Accept(Unit{TokenID: "t1"})
	b.Accept(Unit{TokenID: "t2"})
	fire, _, _ := b.ShouldTrigger()
	assert.False(t, fire)

	b.Accept(Unit{TokenID: "t3"})
	fire, triggerType, reason := b.ShouldTrigger()
	assert.True(t, fire)
	assert.Equal(t, "count", triggerType)
	assert.Contains(t, reason, "3")
}

func TestTimeoutTrigger(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{Timeout: 60 * time.Second}, clock)

	b.Accept(Unit{TokenID: "t1"})
	clock.Advance(59 * time.Second)
	fire, _, _ := b.ShouldTrigger()
	assert.False(t, fire)

	clock.Advance(time.Second)
	fire, triggerType, _ := b.ShouldTrigger()
	assert.True(t, fire)
	assert.Equal(t, "timeout", triggerType)
}

func TestEmptyBufferNeverTimesOut(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{Timeout: time.Second}, clock)

	clock.Advance(time.Hour)
	fire, _, _ := b.ShouldTrigger()
	assert.False(t, fire)
	assert.Zero(t, b.BatchAge())
}

func TestWindowStartsAtFirstUnit(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{Timeout: 60 * time.Second}, clock)

	clock.Advance(10 * time.Minute) // idle time before the first unit is irrelevant
	b.Accept(Unit{TokenID: "t1"})
	clock.Advance(30 * time.Second)
	b.Accept(Unit{TokenID: "t2"}) // later units do not restart the window

	assert.Equal(t, 30*time.Second, b.BatchAge())
}

func TestFlushResetsWindowAndRollsOffsets(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{CountThreshold: 2}, clock)

	b.Accept(Unit{TokenID: "t1"})
	clock.Advance(5 * time.Second)
	b.Accept(Unit{TokenID: "t2"})

	drained := b.Flush()
	require.Len(t, drained, 2)
	assert.Equal(t, "t1", drained[0].TokenID)
	assert.Zero(t, b.Count())
	assert.Zero(t, b.BatchAge())
	assert.Equal(t, int64(2), b.FlushedUnits())
	assert.Equal(t, 5*time.Second, b.FlushedTime())
}

func TestSnapshotPersistsElapsedDurationNotInstant(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(Config{Timeout: 60 * time.Second}, clock)

	b.Accept(Unit{TokenID: "t1"})
	clock.Advance(30 * time.Second)

	snap := b.Snapshot()
	assert.Equal(t, 30*time.Second, snap.Age)
	require.Len(t, snap.Units, 1)
}

// A 60s timeout with 30s already accumulated before the crash fires 30s
// after resume, not 60s. The restoring process has a completely different
// clock epoch.
func TestTimeoutContinuityAcrossRestore(t *testing.T) {
	cfg := Config{Timeout: 60 * time.Second}

	clock := testutil.NewManualClock(epoch)
	b := NewBuffer(cfg, clock)
	b.Accept(Unit{TokenID: "t1"})
	clock.Advance(30 * time.Second)
	snap := b.Snapshot()

	// Simulated restart: new clock, arbitrary new epoch.
	restartClock := testutil.NewManualClock(epoch.Add(48 * time.Hour))
	restored := Restore(cfg, restartClock, snap)

	restartClock.Advance(29 * time.Second)
	fire, _, _ := restored.ShouldTrigger()
	assert.False(t, fire, "59s total elapsed, timeout is 60s")

	restartClock.Advance(time.Second)
	fire, triggerType, _ := restored.ShouldTrigger()
	assert.True(t, fire, "30s restored + 30s new = 60s")
	assert.Equal(t, "timeout", triggerType)
}

func TestRestoreEmptySnapshotHasNoWindow(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	restored := Restore(Config{Timeout: time.Second}, clock, Snapshot{})

	clock.Advance(time.Hour)
	fire, _, _ := restored.ShouldTrigger()
	assert.False(t, fire)
}

func TestRestoreKeepsOffsets(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	restored := Restore(Config{}, clock, Snapshot{
		Units:        []Unit{{TokenID: "t1"}},
		Age:          10 * time.Second,
		FlushedUnits: 7,
		FlushedTime:  90 * time.Second,
	})
	assert.Equal(t, int64(7), restored.FlushedUnits())
	assert.Equal(t, 90*time.Second, restored.FlushedTime())
	assert.Equal(t, 10*time.Second, restored.BatchAge())
}
