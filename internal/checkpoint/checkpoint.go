// Package checkpoint persists and restores resume points: the last safe
// position in the row stream plus the aggregation buffer state, bound to
// a topology fingerprint.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/trigger"
)

// Manager writes and reads checkpoints through the ledger store.
type Manager struct {
	store *store.Store
	clock trigger.Clock
}

// NewManager creates a checkpoint manager.
func NewManager(st *store.Store, clock trigger.Clock) *Manager {
	return &Manager{store: st, clock: clock}
}

// Create snapshots the current position and buffer state. The topology
// fingerprint is computed here so the checkpoint can never be written
// against a graph other than the one that produced it.
func (m *Manager) Create(ctx context.Context, runID, tokenID, nodeID string, seq int64, topo graph.Graph, buffers map[string]trigger.Snapshot) (store.CheckpointRecord, error) {
	topoHash, err := topo.Fingerprint()
	if err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("checkpoint: %w", err)
	}
	aggState, err := EncodeBuffers(buffers)
	if err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("checkpoint: %w", err)
	}

	return m.store.WriteCheckpoint(ctx, store.CheckpointRecord{
		RunID:        runID,
		TokenID:      tokenID,
		NodeID:       nodeID,
		Seq:          seq,
		TopologyHash: topoHash,
		AggState:     aggState,
		CreatedAt:    m.clock.Now(),
	})
}

// Latest returns the most recent checkpoint with its decoded buffer
// state, or (nil, nil, nil) when the run never checkpointed. A record
// with an empty topology hash or undecodable buffer state is
// CheckpointCorruptionError.
func (m *Manager) Latest(ctx context.Context, runID string) (*store.CheckpointRecord, map[string]trigger.Snapshot, error) {
	rec, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, nil
	}
	if rec.TopologyHash == "" {
		return nil, nil, &ledger.CheckpointCorruptionError{
			RunID: runID, Message: fmt.Sprintf("checkpoint %d has no topology fingerprint", rec.ID),
		}
	}

	buffers, err := DecodeBuffers(runID, rec.AggState)
	if err != nil {
		return nil, nil, err
	}
	return rec, buffers, nil
}

// ValidateCompatibility checks a checkpoint's topology fingerprint
// against the current graph. On mismatch it reconstructs the run's
// registered topology from the ledger to produce a human-readable diff,
// and returns IncompatibleCheckpointError; resuming against a changed
// graph silently would corrupt lineage.
func (m *Manager) ValidateCompatibility(ctx context.Context, rec *store.CheckpointRecord, current graph.Graph) error {
	currentHash, err := current.Fingerprint()
	if err != nil {
		return fmt.Errorf("validate checkpoint: %w", err)
	}
	if rec.TopologyHash == currentHash {
		return nil
	}

	stored, err := m.storedGraph(ctx, rec.RunID)
	diff := ""
	if err == nil {
		diff = stored.Diff(current)
	}
	return &ledger.IncompatibleCheckpointError{
		RunID:       rec.RunID,
		StoredHash:  rec.TopologyHash,
		CurrentHash: currentHash,
		Diff:        diff,
	}
}

// storedGraph rebuilds the topology a run registered in the ledger.
func (m *Manager) storedGraph(ctx context.Context, runID string) (graph.Graph, error) {
	nodes, err := m.store.ListNodes(ctx, runID)
	if err != nil {
		return graph.Graph{}, err
	}
	edges, err := m.store.ListEdges(ctx, runID)
	if err != nil {
		return graph.Graph{}, err
	}

	byID := make(map[string]string, len(nodes))
	g := graph.Graph{}
	for _, n := range nodes {
		byID[n.ID] = n.Name
		g.Nodes = append(g.Nodes, graph.Node{ID: n.Name, Kind: n.Kind})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, graph.Edge{From: byID[e.FromNodeID], To: byID[e.ToNodeID]})
	}
	return g, nil
}

// RestoreBuffers rebuilds live trigger buffers from decoded snapshots.
// Window ages continue from where the crashed process left them: a
// buffer 30s into a 60s window fires 30s after restore.
func RestoreBuffers(cfgs map[string]trigger.Config, clock trigger.Clock, snaps map[string]trigger.Snapshot) map[string]*trigger.Buffer {
	out := make(map[string]*trigger.Buffer, len(snaps))
	for nodeID, snap := range snaps {
		out[nodeID] = trigger.Restore(cfgs[nodeID], clock, snap)
	}
	return out
}

// Age reports how long ago a checkpoint was taken.
func Age(rec *store.CheckpointRecord, clock trigger.Clock) time.Duration {
	return clock.Now().Sub(rec.CreatedAt)
}
