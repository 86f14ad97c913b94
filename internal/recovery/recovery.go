// Package recovery decides whether a crashed run can resume, where to
// resume it, and exactly which rows still need work.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/canon"
	"github.com/weftworks/weft/internal/checkpoint"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/payload"
	"github.com/weftworks/weft/internal/schema"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/trigger"
)

// Decision is the structured answer to "can this run resume". Expected
// operational conditions (no checkpoint, graph changed, run completed)
// come back as a reason string, never as an error; corruption always
// comes back as an error.
type Decision struct {
	Resumable bool
	Reason    string
}

// ResumePoint is everything the engine needs to continue a run: the
// checkpoint, the position within the graph, and the restored
// aggregation buffer state.
type ResumePoint struct {
	Checkpoint *store.CheckpointRecord
	TokenID    string
	NodeID     string
	Seq        int64
	Buffers    map[string]trigger.Snapshot
}

// RowData is one unprocessed row with its type-restored payload.
type RowData struct {
	RowID string
	Index int64
	Data  map[string]any
}

// Manager orchestrates resumability decisions. The schema resolver is an
// explicit dependency; there is no process-wide plugin registry.
type Manager struct {
	store       *store.Store
	checkpoints *checkpoint.Manager
	resolver    schema.Resolver
	log         *zap.Logger
}

// NewManager creates a recovery manager.
func NewManager(st *store.Store, cp *checkpoint.Manager, resolver schema.Resolver, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: st, checkpoints: cp, resolver: resolver, log: log}
}

// CanResume walks the resumability state machine. Only failed or
// interrupted runs with a topology-compatible checkpoint and an intact
// schema contract are resumable. A corrupt or absent contract raises; it
// is a crash-worthy condition, not an ordinary "not resumable".
func (m *Manager) CanResume(ctx context.Context, runID string, g graph.Graph) (Decision, error) {
	notResumable := func(reason string) Decision {
		m.log.Info("run not resumable", zap.String("run_id", runID), zap.String("reason", reason))
		return Decision{Resumable: false, Reason: reason}
	}

	run, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return notResumable("not found"), nil
	}
	if err != nil {
		return Decision{}, err
	}

	switch run.Status {
	case ledger.RunCompleted:
		return notResumable("already completed"), nil
	case ledger.RunRunning:
		// A running status surviving process death means the run never
		// reached a terminal state; an external watchdog must mark it
		// failed before recovery will touch it.
		return notResumable("still in progress"), nil
	}

	rec, _, err := m.checkpoints.Latest(ctx, runID)
	if err != nil {
		return Decision{}, err
	}
	if rec == nil {
		return notResumable("no checkpoint"), nil
	}

	if err := m.checkpoints.ValidateCompatibility(ctx, rec, g); err != nil {
		var incompat *ledger.IncompatibleCheckpointError
		if errors.As(err, &incompat) {
			reason := incompat.Diff
			if reason == "" {
				reason = fmt.Sprintf("topology fingerprint changed (%s -> %s)", incompat.StoredHash, incompat.CurrentHash)
			}
			return notResumable("incompatible topology: " + reason), nil
		}
		return Decision{}, err
	}

	if _, err := m.VerifyContractIntegrity(ctx, runID); err != nil {
		return Decision{}, err
	}

	m.log.Info("run resumable",
		zap.String("run_id", runID),
		zap.String("status", string(run.Status)),
		zap.Int64("checkpoint_seq", rec.Seq))
	return Decision{Resumable: true}, nil
}

// GetResumePoint returns where to resume, or nil when the run is not
// resumable.
func (m *Manager) GetResumePoint(ctx context.Context, runID string, g graph.Graph) (*ResumePoint, error) {
	decision, err := m.CanResume(ctx, runID, g)
	if err != nil {
		return nil, err
	}
	if !decision.Resumable {
		return nil, nil
	}

	rec, buffers, err := m.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// CanResume just saw one; its disappearance is a ledger defect.
		return nil, &ledger.AuditIntegrityError{
			Op: "get resume point", RunID: runID, Message: "checkpoint vanished after resumability check",
		}
	}
	return &ResumePoint{
		Checkpoint: rec,
		TokenID:    rec.TokenID,
		NodeID:     rec.NodeID,
		Seq:        rec.Seq,
		Buffers:    buffers,
	}, nil
}

// VerifyContractIntegrity fetches the run's hash-verified schema
// contract. An absent contract is treated exactly like a corrupt one:
// there is no legacy-run fallback, because resuming without the contract
// would silently change row typing.
func (m *Manager) VerifyContractIntegrity(ctx context.Context, runID string) (ledger.Contract, error) {
	contract, err := m.store.GetRunContract(ctx, runID)
	if err != nil {
		return ledger.Contract{}, err
	}
	if contract == nil {
		return ledger.Contract{}, &ledger.CheckpointCorruptionError{
			RunID:   runID,
			Message: "no schema contract stored; resume cannot proceed without one",
		}
	}
	return *contract, nil
}

// UnprocessedRows runs the completion algorithm and returns the rows
// still needing work, ordered by row index for deterministic replay.
//
// A row is complete when it has tokens, every token either carries a
// terminal outcome or is a delegation marker (forked/expanded, judged on
// its children instead), and at least one terminal outcome exists. Rows
// whose only remaining tokens are parked in the checkpoint's aggregation
// buffers are excluded too: they will be restored from the checkpoint,
// and reprocessing them would duplicate output.
func (m *Manager) UnprocessedRows(ctx context.Context, runID string) ([]ledger.Row, error) {
	rows, err := m.store.ListRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	tokens, err := m.store.ListTokens(ctx, runID)
	if err != nil {
		return nil, err
	}
	outcomes, err := m.store.ListRunOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}

	tokensByRow := make(map[string][]ledger.Token)
	for _, t := range tokens {
		tokensByRow[t.RowID] = append(tokensByRow[t.RowID], t)
	}

	terminal := make(map[string]bool)
	delegated := make(map[string]bool)
	for _, o := range outcomes {
		if o.Terminal {
			terminal[o.TokenID] = true
		}
		if o.Kind.Delegation() {
			delegated[o.TokenID] = true
		}
	}

	buffered, err := m.bufferedTokens(ctx, runID)
	if err != nil {
		return nil, err
	}

	var unprocessed []ledger.Row
	for _, row := range rows {
		rowTokens := tokensByRow[row.ID]
		if rowComplete(rowTokens, terminal, delegated) {
			continue
		}
		if remainingAllBuffered(rowTokens, terminal, delegated, buffered) {
			m.log.Debug("row restored from checkpoint buffers, not reprocessed",
				zap.String("run_id", runID), zap.String("row_id", row.ID))
			continue
		}
		unprocessed = append(unprocessed, row)
	}

	m.log.Info("completion scan",
		zap.String("run_id", runID),
		zap.Int("rows", len(rows)),
		zap.Int("unprocessed", len(unprocessed)))
	return unprocessed, nil
}

func rowComplete(rowTokens []ledger.Token, terminal, delegated map[string]bool) bool {
	if len(rowTokens) == 0 {
		return false
	}
	anyTerminal := false
	for _, t := range rowTokens {
		if terminal[t.ID] {
			anyTerminal = true
			continue
		}
		if !delegated[t.ID] {
			return false
		}
	}
	return anyTerminal
}

// remainingAllBuffered reports whether the row's remaining tokens (those
// neither terminal nor delegation markers) all sit in the checkpoint's
// aggregation buffers. A row with no remaining tokens at all is not
// "buffered"; it is incomplete for a different reason and must be
// reprocessed.
func remainingAllBuffered(rowTokens []ledger.Token, terminal, delegated, buffered map[string]bool) bool {
	remaining := 0
	for _, t := range rowTokens {
		if terminal[t.ID] || delegated[t.ID] {
			continue
		}
		remaining++
		if !buffered[t.ID] {
			return false
		}
	}
	return remaining > 0
}

// bufferedTokens collects the token ids parked in the latest checkpoint's
// aggregation buffers.
func (m *Manager) bufferedTokens(ctx context.Context, runID string) (map[string]bool, error) {
	rec, buffers, err := m.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	out := make(map[string]bool)
	for _, snap := range buffers {
		for _, u := range snap.Units {
			out[u.TokenID] = true
		}
	}
	return out, nil
}

// UnprocessedRowData retrieves and type-restores the payload of every
// unprocessed row. A purged payload reference fails with PurgedError; a
// payload whose bytes no longer match the recorded hash is corruption;
// type restoration through the source schema is mandatory.
func (m *Manager) UnprocessedRowData(ctx context.Context, runID string, payloads payload.Store) ([]RowData, error) {
	rows, err := m.UnprocessedRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]schema.SourceSchema)
	out := make([]RowData, 0, len(rows))
	for _, row := range rows {
		sch, ok := schemas[row.SourceNodeID]
		if !ok {
			if sch, err = m.sourceSchema(ctx, runID, row.SourceNodeID); err != nil {
				return nil, err
			}
			schemas[row.SourceNodeID] = sch
		}

		data, err := payloads.Retrieve(row.PayloadRef)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", row.ID, err)
		}
		if got := canon.Hash(canon.DomainPayload, data); got != row.PayloadHash {
			return nil, &ledger.CorruptionError{
				Entity:    "row",
				RecordID:  row.ID,
				Invariant: fmt.Sprintf("payload hash %s does not match stored %s", got, row.PayloadHash),
			}
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, &ledger.CorruptionError{
				Entity:    "row",
				RecordID:  row.ID,
				Invariant: fmt.Sprintf("payload is not a JSON object: %v", err),
			}
		}

		restored, err := sch.Restore(raw)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", row.ID, err)
		}
		out = append(out, RowData{RowID: row.ID, Index: row.Index, Data: restored})
	}
	return out, nil
}

// sourceSchema resolves the declared schema for a source node. The
// descriptor stored on the run wins; the injected resolver is the
// fallback for runs recorded before the descriptor was stored on them.
func (m *Manager) sourceSchema(ctx context.Context, runID, sourceNodeID string) (schema.SourceSchema, error) {
	stored, err := m.store.GetSourceSchema(ctx, runID)
	if err != nil {
		return schema.SourceSchema{}, err
	}
	if stored != nil {
		return schema.Parse(stored)
	}

	node, err := m.store.GetNode(ctx, sourceNodeID)
	if err != nil {
		return schema.SourceSchema{}, err
	}
	if m.resolver == nil {
		return schema.SourceSchema{}, fmt.Errorf("no source schema stored for run %s and no resolver configured", runID)
	}
	return m.resolver.Resolve(node.Plugin)
}
