package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func companionsFor(kind OutcomeKind) Companions {
	switch kind {
	case OutcomeCompleted, OutcomeRouted:
		return Companions{SinkName: "sink-a"}
	case OutcomeForked:
		return Companions{ForkGroup: "fg-1"}
	case OutcomeFailed, OutcomeQuarantined:
		return Companions{ErrorHash: "err-hash"}
	case OutcomeCoalesced:
		return Companions{JoinGroup: "jg-1"}
	case OutcomeExpanded:
		return Companions{ExpandGroup: "eg-1"}
	case OutcomeBuffered, OutcomeConsumedInBatch:
		return Companions{BatchID: "batch-1"}
	}
	return Companions{}
}

var allKinds = []OutcomeKind{
	OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeFailed,
	OutcomeQuarantined, OutcomeConsumedInBatch, OutcomeCoalesced,
	OutcomeExpanded, OutcomeBuffered,
}

func TestEveryKindRequiresItsCompanion(t *testing.T) {
	for _, kind := range allKinds {
		t.Run(string(kind), func(t *testing.T) {
			_, err := NewTokenOutcome("o-1", "run-1", "tok-1", kind, Companions{}, recordedAt)
			require.Error(t, err)

			var cv *ContractViolation
			require.ErrorAs(t, err, &cv)
			assert.Equal(t, kind.companionField(), cv.Field)

			_, err = NewTokenOutcome("o-1", "run-1", "tok-1", kind, companionsFor(kind), recordedAt)
			assert.NoError(t, err)
		})
	}
}

func TestTerminalDerivedFromKind(t *testing.T) {
	terminal := map[OutcomeKind]bool{
		OutcomeCompleted:       true,
		OutcomeRouted:          true,
		OutcomeFailed:          true,
		OutcomeQuarantined:     true,
		OutcomeCoalesced:       true,
		OutcomeConsumedInBatch: true,
		OutcomeForked:          false,
		OutcomeExpanded:        false,
		OutcomeBuffered:        false,
	}
	for kind, want := range terminal {
		o, err := NewTokenOutcome("o-1", "run-1", "tok-1", kind, companionsFor(kind), recordedAt)
		require.NoError(t, err)
		assert.Equal(t, want, o.Terminal, "kind %s", kind)
	}
}

func TestDelegationMarkers(t *testing.T) {
	assert.True(t, OutcomeForked.Delegation())
	assert.True(t, OutcomeExpanded.Delegation())
	assert.False(t, OutcomeBuffered.Delegation())
	assert.False(t, OutcomeCompleted.Delegation())
}

func TestUnknownKindRejected(t *testing.T) {
	_, err := NewTokenOutcome("o-1", "run-1", "tok-1", OutcomeKind("vanished"), Companions{}, recordedAt)
	assert.True(t, IsContractViolation(err))
}

func TestCheckStoredTerminalFlagMismatchIsCorruption(t *testing.T) {
	o, err := NewTokenOutcome("o-1", "run-1", "tok-1", OutcomeCompleted, companionsFor(OutcomeCompleted), recordedAt)
	require.NoError(t, err)

	o.Terminal = false
	err = o.CheckStored()
	require.Error(t, err)
	assert.True(t, IsCorruption(err))
	assert.Contains(t, err.Error(), "o-1")
}

func TestCheckStoredMissingCompanionIsCorruption(t *testing.T) {
	o, err := NewTokenOutcome("o-1", "run-1", "tok-1", OutcomeForked, companionsFor(OutcomeForked), recordedAt)
	require.NoError(t, err)

	o.ForkGroup = ""
	assert.True(t, IsCorruption(o.CheckStored()))
}
