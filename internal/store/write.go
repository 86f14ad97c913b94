package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/weft/internal/canon"
	"github.com/weftworks/weft/internal/ledger"
)

// BeginRun creates a run with status running. The resolved configuration
// is canonically hashed; the hash and the canonicalization version tag
// are stored on the run so it stays verifiable after the algorithm moves.
func (s *Store) BeginRun(ctx context.Context, config any, startedAt time.Time) (ledger.Run, error) {
	configHash, err := canon.HashAny(canon.DomainConfig, config)
	if err != nil {
		return ledger.Run{}, fmt.Errorf("begin run: %w", err)
	}

	run := ledger.Run{
		ID:           s.ids.NewID(),
		StartedAt:    startedAt.UTC(),
		ConfigHash:   configHash,
		CanonVersion: canon.Version,
		Status:       ledger.RunRunning,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, config_hash, canon_version, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, encodeTime(run.StartedAt), run.ConfigHash, run.CanonVersion, string(run.Status))
	if err != nil {
		return ledger.Run{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a run to a terminal status and returns the updated
// run, re-read from storage. A non-terminal target status is a framework
// bug; a run that already reached a terminal status is immutable; a run
// that vanishes between the update and the re-read is ledger corruption.
// All three surface as AuditIntegrityError.
func (s *Store) CompleteRun(ctx context.Context, runID string, status ledger.RunStatus, reproGrade string, completedAt time.Time) (ledger.Run, error) {
	if !status.Terminal() {
		return ledger.Run{}, &ledger.AuditIntegrityError{
			Op: "complete run", RunID: runID,
			Message: fmt.Sprintf("status %q is not terminal", status),
		}
	}

	current, err := s.GetRun(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return ledger.Run{}, &ledger.AuditIntegrityError{
			Op: "complete run", RunID: runID, Message: "run does not exist",
		}
	}
	if err != nil {
		return ledger.Run{}, fmt.Errorf("complete run: %w", err)
	}
	if current.Status.Terminal() {
		return ledger.Run{}, &ledger.AuditIntegrityError{
			Op: "complete run", RunID: runID,
			Message: fmt.Sprintf("run is already %s; a terminal status is never overwritten", current.Status),
		}
	}

	// The status predicate repeats the guard inside the statement so a
	// concurrent completion cannot slip between the read and the write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, repro_grade = ?
		WHERE id = ? AND status = ?
	`, string(status), encodeTime(completedAt), reproGrade, runID, string(current.Status))
	if err != nil {
		return ledger.Run{}, fmt.Errorf("complete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Run{}, fmt.Errorf("complete run: %w", err)
	}
	if affected == 0 {
		return ledger.Run{}, &ledger.AuditIntegrityError{
			Op: "complete run", RunID: runID, Message: "run changed status during completion",
		}
	}

	run, err := s.GetRun(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		// Just updated it; absence now means the ledger lost a row.
		return ledger.Run{}, &ledger.AuditIntegrityError{
			Op: "complete run", RunID: runID, Message: "run vanished after update",
		}
	}
	if err != nil {
		return ledger.Run{}, fmt.Errorf("complete run: %w", err)
	}
	return run, nil
}

// RegisterNode records a plugin instance in the run's graph. An empty ID
// is assigned.
func (s *Store) RegisterNode(ctx context.Context, n ledger.Node) (ledger.Node, error) {
	if !n.Kind.Valid() {
		return ledger.Node{}, fmt.Errorf("register node: unknown kind %q", n.Kind)
	}
	if n.ID == "" {
		n.ID = s.ids.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, run_id, name, plugin, plugin_version, kind, determinism, options_hash, schema_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.RunID, n.Name, n.Plugin, n.PluginVersion, string(n.Kind), string(n.Determinism), n.OptionsHash, n.SchemaJSON)
	if err != nil {
		return ledger.Node{}, fmt.Errorf("register node: %w", err)
	}
	return n, nil
}

// RegisterEdge records a directed edge between two registered nodes.
func (s *Store) RegisterEdge(ctx context.Context, e ledger.Edge) (ledger.Edge, error) {
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (id, run_id, from_node_id, to_node_id, routing_mode)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.RunID, e.FromNodeID, e.ToNodeID, e.RoutingMode)
	if err != nil {
		return ledger.Edge{}, fmt.Errorf("register edge: %w", err)
	}
	return e, nil
}

// CreateRow records one source-originated input row. The payload itself
// lives in external payload storage; the ledger keeps the hash and the
// reference.
func (s *Store) CreateRow(ctx context.Context, r ledger.Row) (ledger.Row, error) {
	if r.ID == "" {
		r.ID = s.ids.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rows (id, run_id, source_node_id, row_index, payload_hash, payload_ref)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.RunID, r.SourceNodeID, r.Index, r.PayloadHash, r.PayloadRef)
	if err != nil {
		return ledger.Row{}, fmt.Errorf("create row: %w", err)
	}
	return r, nil
}

// CreateToken records a unit of work derived from a row.
func (s *Store) CreateToken(ctx context.Context, t ledger.Token) (ledger.Token, error) {
	if t.ID == "" {
		t.ID = s.ids.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, run_id, row_id, fork_group, join_group, expand_group, branch, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.RowID, t.ForkGroup, t.JoinGroup, t.ExpandGroup, t.Branch, t.Position)
	if err != nil {
		return ledger.Token{}, fmt.Errorf("create token: %w", err)
	}
	return t, nil
}

// AddTokenParent records an ordered parent→child lineage edge.
func (s *Store) AddTokenParent(ctx context.Context, tp ledger.TokenParent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_parents (token_id, parent_id, ordinal)
		VALUES (?, ?, ?)
	`, tp.TokenID, tp.ParentID, tp.Ordinal)
	if err != nil {
		return fmt.Errorf("add token parent: %w", err)
	}
	return nil
}

// BeginNodeState opens a (token, node, attempt) execution record.
func (s *Store) BeginNodeState(ctx context.Context, runID, tokenID, nodeID string, attempt int, inputHash string, startedAt time.Time) (ledger.OpenState, error) {
	meta := ledger.StateMeta{
		ID:      s.ids.NewID(),
		RunID:   runID,
		TokenID: tokenID,
		NodeID:  nodeID,
		Attempt: attempt,
	}
	state, err := ledger.NewOpenState(meta, inputHash, startedAt)
	if err != nil {
		return ledger.OpenState{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_states (id, run_id, token_id, node_id, attempt, status, input_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.RunID, meta.TokenID, meta.NodeID, meta.Attempt,
		string(ledger.StateOpen), state.InputHash, encodeTime(state.StartedAt))
	if err != nil {
		return ledger.OpenState{}, fmt.Errorf("begin node state: %w", err)
	}
	return state, nil
}

// CompleteNodeState advances a state through the tagged-variant
// lifecycle: open → pending → terminal, or open → terminal directly.
// The completion's fields are validated against its target status before
// anything is written, and the updated record is re-read and re-decoded
// so the caller gets back exactly what the ledger now holds.
func (s *Store) CompleteNodeState(ctx context.Context, stateID string, c ledger.Completion) (ledger.NodeState, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	current, err := s.GetNodeState(ctx, stateID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ledger.AuditIntegrityError{
			Op: "complete node state", Message: fmt.Sprintf("state %s does not exist", stateID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("complete node state: %w", err)
	}

	from := current.Status()
	legal := (from == ledger.StateOpen) ||
		(from == ledger.StatePending && c.Status.Terminal())
	if !legal {
		return nil, &ledger.AuditIntegrityError{
			Op:      "complete node state",
			RunID:   current.Meta().RunID,
			Message: fmt.Sprintf("illegal transition %s -> %s for state %s", from, c.Status, stateID),
		}
	}

	var outputHash, errorDetail any
	if c.OutputHash != "" {
		outputHash = c.OutputHash
	}
	if c.ErrorDetail != "" {
		errorDetail = c.ErrorDetail
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE node_states
		SET status = ?, output_hash = ?, error_detail = ?, completed_at = ?, duration_us = ?
		WHERE id = ?
	`, string(c.Status), outputHash, errorDetail,
		encodeTime(c.CompletedAt), c.Duration.Microseconds(), stateID)
	if err != nil {
		return nil, fmt.Errorf("complete node state: %w", err)
	}

	updated, err := s.GetNodeState(ctx, stateID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ledger.AuditIntegrityError{
			Op: "complete node state", Message: fmt.Sprintf("state %s vanished after update", stateID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("complete node state: %w", err)
	}
	return updated, nil
}

// RecordTokenOutcome validates the outcome-kind-specific companion
// contract and appends the outcome. A second terminal outcome for the
// same token violates the partial unique index and the constraint error
// propagates to the caller; it is never swallowed into idempotency.
func (s *Store) RecordTokenOutcome(ctx context.Context, runID, tokenID string, kind ledger.OutcomeKind, c ledger.Companions, at time.Time) (string, error) {
	outcome, err := ledger.NewTokenOutcome(s.ids.NewID(), runID, tokenID, kind, c, at)
	if err != nil {
		return "", err
	}

	terminal := 0
	if outcome.Terminal {
		terminal = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_outcomes
		(id, run_id, token_id, kind, is_terminal, sink_name, fork_group, join_group, expand_group, error_hash, batch_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, outcome.ID, outcome.RunID, outcome.TokenID, string(outcome.Kind), terminal,
		outcome.SinkName, outcome.ForkGroup, outcome.JoinGroup, outcome.ExpandGroup,
		outcome.ErrorHash, outcome.BatchID, encodeTime(outcome.RecordedAt))
	if err != nil {
		return "", fmt.Errorf("record token outcome: %w", err)
	}
	return outcome.ID, nil
}

// CreateBatch records a batch in draft status.
func (s *Store) CreateBatch(ctx context.Context, b ledger.Batch) (ledger.Batch, error) {
	if b.ID == "" {
		b.ID = s.ids.NewID()
	}
	if b.Attempt == 0 {
		b.Attempt = 1
	}
	if b.Status == "" {
		b.Status = ledger.BatchDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, run_id, node_id, attempt, status, trigger_type, trigger_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.RunID, b.NodeID, b.Attempt, string(b.Status), b.TriggerType, b.TriggerReason,
		encodeTime(b.CreatedAt), encodeTime(b.UpdatedAt))
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

// AddBatchMember links a token into a batch, preserving submission order.
func (s *Store) AddBatchMember(ctx context.Context, m ledger.BatchMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES (?, ?, ?)
	`, m.BatchID, m.TokenID, m.Ordinal)
	if err != nil {
		return fmt.Errorf("add batch member: %w", err)
	}
	return nil
}

// AdvanceBatch moves a batch along draft → executing → completed|failed.
// Illegal transitions are framework bugs.
func (s *Store) AdvanceBatch(ctx context.Context, batchID string, next ledger.BatchStatus, at time.Time) (ledger.Batch, error) {
	b, err := s.GetBatch(ctx, batchID)
	if errors.Is(err, ErrNotFound) {
		return ledger.Batch{}, &ledger.AuditIntegrityError{
			Op: "advance batch", Message: fmt.Sprintf("batch %s does not exist", batchID),
		}
	}
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("advance batch: %w", err)
	}

	if !b.Status.CanAdvanceTo(next) {
		return ledger.Batch{}, &ledger.AuditIntegrityError{
			Op:      "advance batch",
			RunID:   b.RunID,
			Message: fmt.Sprintf("illegal transition %s -> %s for batch %s", b.Status, next, batchID),
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, updated_at = ? WHERE id = ?
	`, string(next), encodeTime(at), batchID)
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("advance batch: %w", err)
	}
	b.Status = next
	b.UpdatedAt = at
	return b, nil
}

// RetryBatch copies a failed batch into a new draft batch with attempt+1,
// members copied in ordinal order, all inside one transaction. The failed
// batch stays in the ledger untouched; retry is audited copying, never
// in-place mutation.
func (s *Store) RetryBatch(ctx context.Context, batchID string, at time.Time) (ledger.Batch, error) {
	prev, err := s.GetBatch(ctx, batchID)
	if errors.Is(err, ErrNotFound) {
		return ledger.Batch{}, &ledger.AuditIntegrityError{
			Op: "retry batch", Message: fmt.Sprintf("batch %s does not exist", batchID),
		}
	}
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("retry batch: %w", err)
	}
	if prev.Status != ledger.BatchFailed {
		return ledger.Batch{}, &ledger.AuditIntegrityError{
			Op:      "retry batch",
			RunID:   prev.RunID,
			Message: fmt.Sprintf("batch %s has status %s, only failed batches retry", batchID, prev.Status),
		}
	}

	next := ledger.Batch{
		ID:            s.ids.NewID(),
		RunID:         prev.RunID,
		NodeID:        prev.NodeID,
		Attempt:       prev.Attempt + 1,
		Status:        ledger.BatchDraft,
		TriggerType:   prev.TriggerType,
		TriggerReason: fmt.Sprintf("retry of batch %s", prev.ID),
		CreatedAt:     at,
		UpdatedAt:     at,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("retry batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, run_id, node_id, attempt, status, trigger_type, trigger_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, next.ID, next.RunID, next.NodeID, next.Attempt, string(next.Status),
		next.TriggerType, next.TriggerReason, encodeTime(next.CreatedAt), encodeTime(next.UpdatedAt))
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("retry batch: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		SELECT ?, token_id, ordinal FROM batch_members
		WHERE batch_id = ?
		ORDER BY ordinal ASC
	`, next.ID, prev.ID)
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("retry batch: copy members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Batch{}, fmt.Errorf("retry batch: commit: %w", err)
	}
	return next, nil
}

// RecordCall appends external-call audit detail.
func (s *Store) RecordCall(ctx context.Context, c ledger.Call) (ledger.Call, error) {
	if c.ID == "" {
		c.ID = s.ids.NewID()
	}
	var stateID, operationID any
	if c.StateID != "" {
		stateID = c.StateID
	}
	if c.OperationID != "" {
		operationID = c.OperationID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, run_id, state_id, operation_id, provider, detail_hash, started_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.RunID, stateID, operationID, c.Provider, c.DetailHash,
		encodeTime(c.StartedAt), c.Duration.Microseconds())
	if err != nil {
		return ledger.Call{}, fmt.Errorf("record call: %w", err)
	}
	return c, nil
}

// RecordRoutingEvent appends a routing decision.
func (s *Store) RecordRoutingEvent(ctx context.Context, e ledger.RoutingEvent) (ledger.RoutingEvent, error) {
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	var stateID, edgeID any
	if e.StateID != "" {
		stateID = e.StateID
	}
	if e.EdgeID != "" {
		edgeID = e.EdgeID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_events (id, run_id, state_id, token_id, edge_id, mode, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RunID, stateID, e.TokenID, edgeID, e.Mode, e.Reason, encodeTime(e.At))
	if err != nil {
		return ledger.RoutingEvent{}, fmt.Errorf("record routing event: %w", err)
	}
	return e, nil
}

// RecordArtifact records sink output keyed by the producing state.
func (s *Store) RecordArtifact(ctx context.Context, a ledger.Artifact) (ledger.Artifact, error) {
	if a.ID == "" {
		a.ID = s.ids.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, state_id, content_hash, size_bytes, location)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, a.StateID, a.ContentHash, a.SizeBytes, a.Location)
	if err != nil {
		return ledger.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}

// StoreContract canonically serializes the schema contract, hashes it,
// and stores both on the run. The hash is re-verified on every read.
func (s *Store) StoreContract(ctx context.Context, runID string, body any) (ledger.Contract, error) {
	data, err := canon.MarshalAny(body)
	if err != nil {
		return ledger.Contract{}, fmt.Errorf("store contract: %w", err)
	}
	contract := ledger.Contract{
		RunID: runID,
		Body:  string(data),
		Hash:  canon.Hash(canon.DomainContract, data),
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET contract_json = ?, contract_hash = ? WHERE id = ?
	`, contract.Body, contract.Hash, runID)
	if err != nil {
		return ledger.Contract{}, fmt.Errorf("store contract: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Contract{}, fmt.Errorf("store contract: %w", err)
	}
	if affected == 0 {
		return ledger.Contract{}, &ledger.AuditIntegrityError{
			Op: "store contract", RunID: runID, Message: "run does not exist",
		}
	}
	return contract, nil
}

// StoreSourceSchema stores the source-schema descriptor the run will need
// to restore value types on resume.
func (s *Store) StoreSourceSchema(ctx context.Context, runID string, descriptor []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET source_schema_json = ? WHERE id = ?
	`, string(descriptor), runID)
	if err != nil {
		return fmt.Errorf("store source schema: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store source schema: %w", err)
	}
	if affected == 0 {
		return &ledger.AuditIntegrityError{
			Op: "store source schema", RunID: runID, Message: "run does not exist",
		}
	}
	return nil
}
