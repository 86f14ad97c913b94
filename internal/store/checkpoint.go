package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CheckpointRecord is one persisted resume point. Seq orders checkpoints
// within a run; AggState is the opaque encoded aggregation-buffer state.
type CheckpointRecord struct {
	ID           int64
	RunID        string
	TokenID      string
	NodeID       string
	Seq          int64
	TopologyHash string
	AggState     []byte
	CreatedAt    time.Time
}

// WriteCheckpoint appends a checkpoint. Checkpoints are never updated in
// place; resume always reads the latest.
func (s *Store) WriteCheckpoint(ctx context.Context, rec CheckpointRecord) (CheckpointRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, token_id, node_id, seq, topology_hash, agg_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.TokenID, rec.NodeID, rec.Seq, rec.TopologyHash, rec.AggState, encodeTime(rec.CreatedAt))
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("write checkpoint: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("write checkpoint: %w", err)
	}
	return rec, nil
}

// LatestCheckpoint returns the most recent checkpoint for a run, or
// (nil, nil) when the run never checkpointed.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	var (
		rec       CheckpointRecord
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, token_id, node_id, seq, topology_hash, agg_state, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY seq DESC, id DESC LIMIT 1
	`, runID).Scan(&rec.ID, &rec.RunID, &rec.TokenID, &rec.NodeID, &rec.Seq,
		&rec.TopologyHash, &rec.AggState, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &rec, nil
}
