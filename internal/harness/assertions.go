package harness

import (
	"context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/ledger"
)

// AssertUnprocessed asserts exactly these row ids remain, in order.
func (h *Harness) AssertUnprocessed(ctx context.Context, run Run, want ...ledger.Row) {
	h.T.Helper()

	rows, err := h.Recovery.UnprocessedRows(ctx, run.ID)
	require.NoError(h.T, err)

	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = r.ID
	}
	wantIDs := make([]string, len(want))
	for i, r := range want {
		wantIDs[i] = r.ID
	}
	assert.Equal(h.T, wantIDs, got, "unprocessed row ids")
}

// AssertResumable asserts the run resumes cleanly.
func (h *Harness) AssertResumable(ctx context.Context, run Run) {
	h.T.Helper()
	decision, err := h.Recovery.CanResume(ctx, run.ID, h.Graph)
	require.NoError(h.T, err)
	assert.True(h.T, decision.Resumable, "expected resumable, got reason %q", decision.Reason)
}

// AssertNotResumable asserts the run cannot resume for the given reason.
func (h *Harness) AssertNotResumable(ctx context.Context, run Run, reasonContains string) {
	h.T.Helper()
	decision, err := h.Recovery.CanResume(ctx, run.ID, h.Graph)
	require.NoError(h.T, err)
	assert.False(h.T, decision.Resumable)
	assert.Contains(h.T, decision.Reason, reasonContains)
}
