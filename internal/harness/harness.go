// Package harness builds ledger fixtures for recovery and completion
// tests. A scenario describes a crashed run declaratively (rows, tokens,
// outcomes, buffered aggregation state); the harness records it through
// the real store so tests exercise the same write paths production does.
package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/checkpoint"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/payload"
	"github.com/weftworks/weft/internal/recovery"
	"github.com/weftworks/weft/internal/schema"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/testutil"
	"github.com/weftworks/weft/internal/trigger"
)

// Harness wires a real store, checkpoint manager, and recovery manager
// around a temp database and a manual clock.
type Harness struct {
	T           *testing.T
	Store       *store.Store
	Checkpoints *checkpoint.Manager
	Recovery    *recovery.Manager
	Payloads    *payload.MemStore
	Clock       *testutil.ManualClock
	Graph       graph.Graph
}

// Epoch is the fixed instant harness clocks start at.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// New creates a harness with the standard three-node test topology
// (source → aggregate → sink) and an empty ledger.
func New(t *testing.T) *Harness {
	return NewWithGraph(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "src", Kind: ledger.NodeSource},
			{ID: "agg", Kind: ledger.NodeAggregation},
			{ID: "out", Kind: ledger.NodeSink},
		},
		Edges: []graph.Edge{
			{From: "src", To: "agg"},
			{From: "agg", To: "out"},
		},
	})
}

// NewWithGraph creates a harness over a caller-supplied topology.
func NewWithGraph(t *testing.T, g graph.Graph) *Harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(Epoch)
	cp := checkpoint.NewManager(st, clock)
	resolver := schema.MapResolver{
		"test-source": {
			Plugin: "test-source",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, Required: true},
				{Name: "name", Type: schema.TypeString},
				{Name: "at", Type: schema.TypeTimestamp},
			},
		},
	}
	rec := recovery.NewManager(st, cp, resolver, zap.NewNop())

	return &Harness{
		T:           t,
		Store:       st,
		Checkpoints: cp,
		Recovery:    rec,
		Payloads:    payload.NewMemStore(),
		Clock:       clock,
		Graph:       g,
	}
}

// Run is a recorded run plus the node ids the scenario registered.
type Run struct {
	ledger.Run
	Nodes map[string]string // graph node id -> ledger node id
}

// BeginRun records a run and registers the harness topology for it. The
// schema contract and source-schema descriptor are stored so the run is
// resume-eligible by default; scenarios testing their absence write runs
// by hand.
func (h *Harness) BeginRun(ctx context.Context) Run {
	h.T.Helper()

	run, err := h.Store.BeginRun(ctx, map[string]any{"pipeline": "harness"}, h.Clock.Now())
	require.NoError(h.T, err)

	nodes := make(map[string]string, len(h.Graph.Nodes))
	for _, n := range h.Graph.Nodes {
		registered, err := h.Store.RegisterNode(ctx, ledger.Node{
			RunID:       run.ID,
			Name:        n.ID,
			Plugin:      "test-source",
			Kind:        n.Kind,
			Determinism: ledger.Deterministic,
			OptionsHash: "opts",
		})
		require.NoError(h.T, err)
		nodes[n.ID] = registered.ID
	}
	for _, e := range h.Graph.Edges {
		_, err := h.Store.RegisterEdge(ctx, ledger.Edge{
			RunID: run.ID, FromNodeID: nodes[e.From], ToNodeID: nodes[e.To],
		})
		require.NoError(h.T, err)
	}

	_, err = h.Store.StoreContract(ctx, run.ID, map[string]any{"fields": []any{"id", "name", "at"}})
	require.NoError(h.T, err)

	descriptor, err := schema.SourceSchema{
		Plugin: "test-source",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeInt, Required: true},
			{Name: "name", Type: schema.TypeString},
			{Name: "at", Type: schema.TypeTimestamp},
		},
	}.Encode()
	require.NoError(h.T, err)
	require.NoError(h.T, h.Store.StoreSourceSchema(ctx, run.ID, descriptor))

	return Run{Run: run, Nodes: nodes}
}

// Interrupt marks the run interrupted, simulating the external watchdog
// that runs after process death.
func (h *Harness) Interrupt(ctx context.Context, run Run) {
	h.T.Helper()
	_, err := h.Store.CompleteRun(ctx, run.ID, ledger.RunInterrupted, "", h.Clock.Now())
	require.NoError(h.T, err)
}

// AddRow stores the payload and records a row under the source node.
func (h *Harness) AddRow(ctx context.Context, run Run, index int64, payloadJSON string) ledger.Row {
	h.T.Helper()

	ref, err := h.Payloads.Store([]byte(payloadJSON))
	require.NoError(h.T, err)

	row, err := h.Store.CreateRow(ctx, ledger.Row{
		RunID:        run.ID,
		SourceNodeID: run.Nodes["src"],
		Index:        index,
		PayloadHash:  ref, // content-addressed: the ref is the hash
		PayloadRef:   ref,
	})
	require.NoError(h.T, err)
	return row
}

// AddToken records a token for a row.
func (h *Harness) AddToken(ctx context.Context, run Run, row ledger.Row) ledger.Token {
	h.T.Helper()
	tok, err := h.Store.CreateToken(ctx, ledger.Token{RunID: run.ID, RowID: row.ID})
	require.NoError(h.T, err)
	return tok
}

// AddChildToken records a token with lineage from parent.
func (h *Harness) AddChildToken(ctx context.Context, run Run, row ledger.Row, parent ledger.Token, branch string) ledger.Token {
	h.T.Helper()
	tok, err := h.Store.CreateToken(ctx, ledger.Token{
		RunID: run.ID, RowID: row.ID, ForkGroup: parent.ID, Branch: branch,
	})
	require.NoError(h.T, err)
	require.NoError(h.T, h.Store.AddTokenParent(ctx, ledger.TokenParent{
		TokenID: tok.ID, ParentID: parent.ID, Ordinal: 0,
	}))
	return tok
}

// Outcome records an outcome with the companion field its kind mandates
// filled from a single value.
func (h *Harness) Outcome(ctx context.Context, run Run, tok ledger.Token, kind ledger.OutcomeKind, companion string) {
	h.T.Helper()

	var c ledger.Companions
	switch kind {
	case ledger.OutcomeCompleted, ledger.OutcomeRouted:
		c.SinkName = companion
	case ledger.OutcomeForked:
		c.ForkGroup = companion
	case ledger.OutcomeFailed, ledger.OutcomeQuarantined:
		c.ErrorHash = companion
	case ledger.OutcomeCoalesced:
		c.JoinGroup = companion
	case ledger.OutcomeExpanded:
		c.ExpandGroup = companion
	case ledger.OutcomeBuffered, ledger.OutcomeConsumedInBatch:
		c.BatchID = companion
	}

	_, err := h.Store.RecordTokenOutcome(ctx, run.ID, tok.ID, kind, c, h.Clock.Now())
	require.NoError(h.T, err)
}

// Checkpoint writes a checkpoint at the given position with the given
// buffered tokens parked under the "agg" node.
func (h *Harness) Checkpoint(ctx context.Context, run Run, seq int64, bufferedTokens ...ledger.Token) store.CheckpointRecord {
	h.T.Helper()

	units := make([]trigger.Unit, len(bufferedTokens))
	for i, tok := range bufferedTokens {
		units[i] = trigger.Unit{TokenID: tok.ID, RowID: tok.RowID}
	}
	buffers := map[string]trigger.Snapshot{}
	if len(units) > 0 {
		buffers["agg"] = trigger.Snapshot{Units: units}
	}

	tokenID := ""
	if len(bufferedTokens) > 0 {
		tokenID = bufferedTokens[len(bufferedTokens)-1].ID
	}
	rec, err := h.Checkpoints.Create(ctx, run.ID, tokenID, run.Nodes["agg"], seq, h.Graph, buffers)
	require.NoError(h.T, err)
	return rec
}
