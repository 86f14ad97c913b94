package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/weft/internal/canon"
	"github.com/weftworks/weft/internal/ledger"
)

// GetRun returns the run, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (ledger.Run, error) {
	var (
		run         ledger.Run
		startedAt   string
		completedAt sql.NullString
		status      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, config_hash, canon_version, status, completed_at, repro_grade
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &startedAt, &run.ConfigHash, &run.CanonVersion,
		&status, &completedAt, &run.ReproGrade)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return ledger.Run{}, fmt.Errorf("get run: %w", err)
	}

	run.Status = ledger.RunStatus(status)
	if run.StartedAt, err = decodeTime(startedAt); err != nil {
		return ledger.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	if completedAt.Valid {
		t, err := decodeTime(completedAt.String)
		if err != nil {
			return ledger.Run{}, fmt.Errorf("get run %s: %w", runID, err)
		}
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRunContract returns the run's stored contract after verifying its
// integrity hash. A nil contract with a nil error means the run never
// stored one; a hash mismatch is corruption.
func (s *Store) GetRunContract(ctx context.Context, runID string) (*ledger.Contract, error) {
	var body, hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT contract_json, contract_hash FROM runs WHERE id = ?
	`, runID).Scan(&body, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	if !body.Valid || !hash.Valid {
		return nil, nil
	}

	recomputed := canon.Hash(canon.DomainContract, []byte(body.String))
	if recomputed != hash.String {
		return nil, &ledger.CorruptionError{
			Entity:    "contract",
			RecordID:  runID,
			Invariant: fmt.Sprintf("stored hash %s does not match recomputed %s", hash.String, recomputed),
		}
	}
	return &ledger.Contract{RunID: runID, Body: body.String, Hash: hash.String}, nil
}

// GetSourceSchema returns the run's stored source-schema descriptor, or
// nil if none was stored.
func (s *Store) GetSourceSchema(ctx context.Context, runID string) ([]byte, error) {
	var descriptor sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT source_schema_json FROM runs WHERE id = ?
	`, runID).Scan(&descriptor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source schema: %w", err)
	}
	if !descriptor.Valid {
		return nil, nil
	}
	return []byte(descriptor.String), nil
}

// GetNode returns a registered node, or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, nodeID string) (ledger.Node, error) {
	var (
		n           ledger.Node
		kind        string
		determinism string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, plugin, plugin_version, kind, determinism, options_hash, schema_json
		FROM nodes WHERE id = ?
	`, nodeID).Scan(&n.ID, &n.RunID, &n.Name, &n.Plugin, &n.PluginVersion,
		&kind, &determinism, &n.OptionsHash, &n.SchemaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return ledger.Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Kind = ledger.NodeKind(kind)
	n.Determinism = ledger.Determinism(determinism)
	return n, nil
}

// ListNodes returns a run's registered nodes.
func (s *Store) ListNodes(ctx context.Context, runID string) ([]ledger.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, plugin, plugin_version, kind, determinism, options_hash, schema_json
		FROM nodes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []ledger.Node
	for rows.Next() {
		var (
			n           ledger.Node
			kind        string
			determinism string
		)
		if err := rows.Scan(&n.ID, &n.RunID, &n.Name, &n.Plugin, &n.PluginVersion,
			&kind, &determinism, &n.OptionsHash, &n.SchemaJSON); err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		n.Kind = ledger.NodeKind(kind)
		n.Determinism = ledger.Determinism(determinism)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListEdges returns a run's registered edges.
func (s *Store) ListEdges(ctx context.Context, runID string) ([]ledger.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, from_node_id, to_node_id, routing_mode
		FROM edges WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []ledger.Edge
	for rows.Next() {
		var e ledger.Edge
		if err := rows.Scan(&e.ID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.RoutingMode); err != nil {
			return nil, fmt.Errorf("list edges: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRows returns a run's rows ordered by their 0-based source index,
// which is the baseline processing order.
func (s *Store) ListRows(ctx context.Context, runID string) ([]ledger.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, source_node_id, row_index, payload_hash, payload_ref
		FROM rows WHERE run_id = ? ORDER BY row_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		var r ledger.Row
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceNodeID, &r.Index, &r.PayloadHash, &r.PayloadRef); err != nil {
			return nil, fmt.Errorf("list rows: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow returns a row, or ErrNotFound.
func (s *Store) GetRow(ctx context.Context, rowID string) (ledger.Row, error) {
	var r ledger.Row
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, source_node_id, row_index, payload_hash, payload_ref
		FROM rows WHERE id = ?
	`, rowID).Scan(&r.ID, &r.RunID, &r.SourceNodeID, &r.Index, &r.PayloadHash, &r.PayloadRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Row{}, fmt.Errorf("row %s: %w", rowID, ErrNotFound)
	}
	if err != nil {
		return ledger.Row{}, fmt.Errorf("get row: %w", err)
	}
	return r, nil
}

// ListTokensForRow returns the tokens derived from a row.
func (s *Store) ListTokensForRow(ctx context.Context, rowID string) ([]ledger.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, row_id, fork_group, join_group, expand_group, branch, position
		FROM tokens WHERE row_id = ? ORDER BY id
	`, rowID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// ListTokens returns all of a run's tokens.
func (s *Store) ListTokens(ctx context.Context, runID string) ([]ledger.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, row_id, fork_group, join_group, expand_group, branch, position
		FROM tokens WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func scanTokens(rows *sql.Rows) ([]ledger.Token, error) {
	var out []ledger.Token
	for rows.Next() {
		var t ledger.Token
		if err := rows.Scan(&t.ID, &t.RunID, &t.RowID, &t.ForkGroup, &t.JoinGroup,
			&t.ExpandGroup, &t.Branch, &t.Position); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTokenParents returns a token's lineage edges in ordinal order.
func (s *Store) ListTokenParents(ctx context.Context, tokenID string) ([]ledger.TokenParent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, parent_id, ordinal
		FROM token_parents WHERE token_id = ? ORDER BY ordinal ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list token parents: %w", err)
	}
	defer rows.Close()

	var out []ledger.TokenParent
	for rows.Next() {
		var tp ledger.TokenParent
		if err := rows.Scan(&tp.TokenID, &tp.ParentID, &tp.Ordinal); err != nil {
			return nil, fmt.Errorf("list token parents: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// ListChildTokens returns the ids of a token's children.
func (s *Store) ListChildTokens(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id FROM token_parents WHERE parent_id = ? ORDER BY token_id
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list child tokens: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list child tokens: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const stateColumns = `id, run_id, token_id, node_id, attempt, status, input_hash, output_hash, error_detail, started_at, completed_at, duration_us`

// GetNodeState returns a decoded, validated node state, or ErrNotFound.
// Records violating their variant's field-presence rules surface as
// CorruptionError, never as silently-defaulted fields.
func (s *Store) GetNodeState(ctx context.Context, stateID string) (ledger.NodeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stateColumns+` FROM node_states WHERE id = ?
	`, stateID)
	state, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node state %s: %w", stateID, ErrNotFound)
	}
	return state, err
}

// ListNodeStatesForToken returns a token's decoded states, every attempt
// included, ordered by node then attempt.
func (s *Store) ListNodeStatesForToken(ctx context.Context, tokenID string) ([]ledger.NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM node_states
		WHERE token_id = ? ORDER BY node_id, attempt ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var out []ledger.NodeState
	for rows.Next() {
		state, err := scanState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// scanState builds a raw StateRecord from a row scan, then decodes it
// through the variant validator.
func scanState(scan func(...any) error) (ledger.NodeState, error) {
	var (
		rec         ledger.StateRecord
		outputHash  sql.NullString
		errorDetail sql.NullString
		startedAt   string
		completedAt sql.NullString
		durationUS  sql.NullInt64
	)
	err := scan(&rec.ID, &rec.RunID, &rec.TokenID, &rec.NodeID, &rec.Attempt,
		&rec.Status, &rec.InputHash, &outputHash, &errorDetail,
		&startedAt, &completedAt, &durationUS)
	if err != nil {
		return nil, err
	}

	if rec.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, &ledger.CorruptionError{
			Entity: "node_state", RecordID: rec.ID,
			Invariant: fmt.Sprintf("unparseable started_at: %v", err),
		}
	}
	if outputHash.Valid {
		rec.OutputHash = &outputHash.String
	}
	if errorDetail.Valid {
		rec.ErrorDetail = &errorDetail.String
	}
	if completedAt.Valid {
		t, err := decodeTime(completedAt.String)
		if err != nil {
			return nil, &ledger.CorruptionError{
				Entity: "node_state", RecordID: rec.ID,
				Invariant: fmt.Sprintf("unparseable completed_at: %v", err),
			}
		}
		rec.CompletedAt = &t
	}
	if durationUS.Valid {
		rec.DurationUS = &durationUS.Int64
	}

	return rec.Decode()
}

// ListTokenOutcomes returns a token's outcomes in recorded order, each
// validated against its kind's companion contract.
func (s *Store) ListTokenOutcomes(ctx context.Context, tokenID string) ([]ledger.TokenOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, token_id, kind, is_terminal, sink_name, fork_group, join_group, expand_group, error_hash, batch_id, recorded_at
		FROM token_outcomes WHERE token_id = ? ORDER BY recorded_at, id
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list token outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// ListRunOutcomes returns every outcome in a run. The completion scan
// over a whole run uses this instead of a per-token query.
func (s *Store) ListRunOutcomes(ctx context.Context, runID string) ([]ledger.TokenOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, token_id, kind, is_terminal, sink_name, fork_group, join_group, expand_group, error_hash, batch_id, recorded_at
		FROM token_outcomes WHERE run_id = ? ORDER BY recorded_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]ledger.TokenOutcome, error) {
	var out []ledger.TokenOutcome
	for rows.Next() {
		var (
			o          ledger.TokenOutcome
			kind       string
			terminal   int
			recordedAt string
		)
		if err := rows.Scan(&o.ID, &o.RunID, &o.TokenID, &kind, &terminal,
			&o.SinkName, &o.ForkGroup, &o.JoinGroup, &o.ExpandGroup,
			&o.ErrorHash, &o.BatchID, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Kind = ledger.OutcomeKind(kind)
		o.Terminal = terminal != 0
		t, err := decodeTime(recordedAt)
		if err != nil {
			return nil, &ledger.CorruptionError{
				Entity: "token_outcome", RecordID: o.ID,
				Invariant: fmt.Sprintf("unparseable recorded_at: %v", err),
			}
		}
		o.RecordedAt = t

		if err := o.CheckStored(); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetBatch returns a batch, or ErrNotFound.
func (s *Store) GetBatch(ctx context.Context, batchID string) (ledger.Batch, error) {
	var (
		b                    ledger.Batch
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, attempt, status, trigger_type, trigger_reason, created_at, updated_at
		FROM batches WHERE id = ?
	`, batchID).Scan(&b.ID, &b.RunID, &b.NodeID, &b.Attempt, &status,
		&b.TriggerType, &b.TriggerReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("get batch: %w", err)
	}

	b.Status = ledger.BatchStatus(status)
	if b.CreatedAt, err = decodeTime(createdAt); err != nil {
		return ledger.Batch{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	if b.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return ledger.Batch{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// ListBatchMembers returns a batch's members in submission order.
func (s *Store) ListBatchMembers(ctx context.Context, batchID string) ([]ledger.BatchMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, token_id, ordinal
		FROM batch_members WHERE batch_id = ? ORDER BY ordinal ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch members: %w", err)
	}
	defer rows.Close()

	var out []ledger.BatchMember
	for rows.Next() {
		var m ledger.BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("list batch members: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListBatches returns a run's batches ordered by creation.
func (s *Store) ListBatches(ctx context.Context, runID string) ([]ledger.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, attempt, status, trigger_type, trigger_reason, created_at, updated_at
		FROM batches WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []ledger.Batch
	for rows.Next() {
		var (
			b                    ledger.Batch
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&b.ID, &b.RunID, &b.NodeID, &b.Attempt, &status,
			&b.TriggerType, &b.TriggerReason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		b.Status = ledger.BatchStatus(status)
		var err error
		if b.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		if b.UpdatedAt, err = decodeTime(updatedAt); err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListCalls returns a run's external-call records in start order.
func (s *Store) ListCalls(ctx context.Context, runID string) ([]ledger.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, state_id, operation_id, provider, detail_hash, started_at, duration_us
		FROM calls WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []ledger.Call
	for rows.Next() {
		var (
			c                    ledger.Call
			stateID, operationID sql.NullString
			startedAt            string
			durationUS           int64
		)
		if err := rows.Scan(&c.ID, &c.RunID, &stateID, &operationID,
			&c.Provider, &c.DetailHash, &startedAt, &durationUS); err != nil {
			return nil, fmt.Errorf("list calls: %w", err)
		}
		c.StateID = stateID.String
		c.OperationID = operationID.String
		if c.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, fmt.Errorf("list calls: %w", err)
		}
		c.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListRoutingEvents returns a token's routing decisions in order.
func (s *Store) ListRoutingEvents(ctx context.Context, tokenID string) ([]ledger.RoutingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, state_id, token_id, edge_id, mode, reason, at
		FROM routing_events WHERE token_id = ? ORDER BY at, id
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list routing events: %w", err)
	}
	defer rows.Close()

	var out []ledger.RoutingEvent
	for rows.Next() {
		var (
			e               ledger.RoutingEvent
			stateID, edgeID sql.NullString
			at              string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stateID, &e.TokenID, &edgeID,
			&e.Mode, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("list routing events: %w", err)
		}
		e.StateID = stateID.String
		e.EdgeID = edgeID.String
		if e.At, err = decodeTime(at); err != nil {
			return nil, fmt.Errorf("list routing events: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListArtifacts returns a run's sink artifacts.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]ledger.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, state_id, content_hash, size_bytes, location
		FROM artifacts WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Artifact
	for rows.Next() {
		var a ledger.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.StateID, &a.ContentHash, &a.SizeBytes, &a.Location); err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
