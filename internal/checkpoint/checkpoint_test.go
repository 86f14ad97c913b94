package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/harness"
	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/trigger"
)

func TestCreateAndLatest(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	run := h.BeginRun(ctx)
	row := h.AddRow(ctx, run, 0, `{"id":1}`)
	tok := h.AddToken(ctx, run, row)

	buffers := map[string]trigger.Snapshot{
		"agg": {Units: []trigger.Unit{{TokenID: tok.ID, RowID: row.ID}}, Age: 30 * time.Second},
	}
	created, err := h.Checkpoints.Create(ctx, run.ID, tok.ID, run.Nodes["agg"], 1, h.Graph, buffers)
	require.NoError(t, err)
	assert.NotEmpty(t, created.TopologyHash)

	rec, decoded, err := h.Checkpoints.Latest(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, created.ID, rec.ID)
	assert.Equal(t, int64(1), rec.Seq)
	require.Contains(t, decoded, "agg")
	assert.Equal(t, 30*time.Second, decoded["agg"].Age)
}

func TestLatestAbsentIsNil(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	run := h.BeginRun(ctx)

	rec, buffers, err := h.Checkpoints.Latest(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Nil(t, buffers)
}

func TestValidateCompatibilitySameTopology(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	run := h.BeginRun(ctx)
	rec := h.Checkpoint(ctx, run, 1)

	assert.NoError(t, h.Checkpoints.ValidateCompatibility(ctx, &rec, h.Graph))
}

func TestValidateCompatibilityChangedTopology(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	run := h.BeginRun(ctx)
	rec := h.Checkpoint(ctx, run, 1)

	changed := graph.Graph{
		Nodes: append([]graph.Node{}, h.Graph.Nodes...),
		Edges: append([]graph.Edge{}, h.Graph.Edges...),
	}
	changed.Nodes = append(changed.Nodes, graph.Node{ID: "extra", Kind: ledger.NodeTransform})

	err := h.Checkpoints.ValidateCompatibility(ctx, &rec, changed)
	require.Error(t, err)

	var incompat *ledger.IncompatibleCheckpointError
	require.ErrorAs(t, err, &incompat)
	assert.Equal(t, run.ID, incompat.RunID)
	assert.Contains(t, incompat.Diff, "extra")
	assert.Contains(t, incompat.Diff, "added")
}

func TestCorruptAggStateSurfacesOnLatest(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	run := h.BeginRun(ctx)

	// A checkpoint whose buffer blob is garbage must refuse to decode
	// rather than return a partial object.
	_, err := h.Store.WriteCheckpoint(ctx, store.CheckpointRecord{
		RunID: run.ID, TokenID: "tok", NodeID: run.Nodes["agg"], Seq: 1,
		TopologyHash: "topo", AggState: []byte("not json"), CreatedAt: h.Clock.Now(),
	})
	require.NoError(t, err)

	_, _, err = h.Checkpoints.Latest(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, ledger.IsCorruption(err))
}
