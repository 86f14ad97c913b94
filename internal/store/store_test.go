package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/ledger"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginRun creates a run with a node and returns both.
func beginRun(t *testing.T, s *Store) (ledger.Run, ledger.Node) {
	t.Helper()
	ctx := context.Background()

	run, err := s.BeginRun(ctx, map[string]any{"pipeline": "test"}, t0)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	node, err := s.RegisterNode(ctx, ledger.Node{
		RunID: run.ID, Name: "src", Plugin: "test-source",
		Kind: ledger.NodeSource, Determinism: ledger.Deterministic, OptionsHash: "opts",
	})
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	return run, node
}

func addToken(t *testing.T, s *Store, run ledger.Run, node ledger.Node, index int64) ledger.Token {
	t.Helper()
	ctx := context.Background()

	row, err := s.CreateRow(ctx, ledger.Row{
		RunID: run.ID, SourceNodeID: node.ID, Index: index,
		PayloadHash: "ph", PayloadRef: "pr",
	})
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	tok, err := s.CreateToken(ctx, ledger.Token{RunID: run.ID, RowID: row.ID})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return tok
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestBeginRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, _ := beginRun(t, s)
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != ledger.RunRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.ConfigHash == "" || got.CanonVersion == "" {
		t.Error("config hash and canon version must be recorded")
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, t0)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	run, _ := beginRun(t, s)

	_, err := s.CompleteRun(context.Background(), run.ID, ledger.RunRunning, "", t0.Add(time.Minute))
	if !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}
}

func TestCompleteRunTerminalStatusIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := beginRun(t, s)

	done := t0.Add(time.Minute)
	_, err := s.CompleteRun(ctx, run.ID, ledger.RunCompleted, "full", done)
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}

	_, err = s.CompleteRun(ctx, run.ID, ledger.RunFailed, "", t0.Add(time.Hour))
	if !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}

	// The first completion record survives untouched.
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != ledger.RunCompleted || got.ReproGrade != "full" {
		t.Errorf("got status=%q grade=%q after rejected re-completion", got.Status, got.ReproGrade)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}
}

func TestCompleteRunMissingRun(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CompleteRun(context.Background(), "ghost", ledger.RunFailed, "", t0)
	if !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}
}

func TestCompleteRunRecordsGradeAndTime(t *testing.T) {
	s := openTestStore(t)
	run, _ := beginRun(t, s)

	done := t0.Add(time.Minute)
	got, err := s.CompleteRun(context.Background(), run.ID, ledger.RunCompleted, "full", done)
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if got.Status != ledger.RunCompleted || got.ReproGrade != "full" {
		t.Errorf("got status=%q grade=%q", got.Status, got.ReproGrade)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}
}

func TestSecondTerminalOutcomeFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	_, err := s.RecordTokenOutcome(ctx, run.ID, tok.ID, ledger.OutcomeCompleted,
		ledger.Companions{SinkName: "out"}, t0)
	if err != nil {
		t.Fatalf("first terminal outcome: %v", err)
	}

	// The partial unique index rejects the second terminal outcome; the
	// constraint error propagates, it is not swallowed into idempotency.
	_, err = s.RecordTokenOutcome(ctx, run.ID, tok.ID, ledger.OutcomeFailed,
		ledger.Companions{ErrorHash: "eh"}, t0.Add(time.Second))
	if err == nil {
		t.Fatal("second terminal outcome must fail")
	}
}

// A non-terminal buffered outcome must not consume the token's one
// terminal-outcome slot.
func TestBufferedThenTerminalOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	if _, err := s.RecordTokenOutcome(ctx, run.ID, tok.ID, ledger.OutcomeBuffered,
		ledger.Companions{BatchID: "b1"}, t0); err != nil {
		t.Fatalf("buffered: %v", err)
	}
	if _, err := s.RecordTokenOutcome(ctx, run.ID, tok.ID, ledger.OutcomeConsumedInBatch,
		ledger.Companions{BatchID: "b1"}, t0.Add(time.Second)); err != nil {
		t.Fatalf("consumed after buffered: %v", err)
	}

	outcomes, err := s.ListTokenOutcomes(ctx, tok.ID)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
}

func TestOutcomeMissingCompanionFails(t *testing.T) {
	s := openTestStore(t)
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	_, err := s.RecordTokenOutcome(context.Background(), run.ID, tok.ID,
		ledger.OutcomeForked, ledger.Companions{}, t0)
	if !ledger.IsContractViolation(err) {
		t.Fatalf("err = %v, want ContractViolation", err)
	}
}

func TestNodeStateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	open, err := s.BeginNodeState(ctx, run.ID, tok.ID, node.ID, 1, "in-hash", t0)
	if err != nil {
		t.Fatalf("begin state: %v", err)
	}

	state, err := s.CompleteNodeState(ctx, open.ID, ledger.Completion{
		Status: ledger.StateCompleted, OutputHash: "out-hash",
		CompletedAt: t0.Add(3 * time.Second), Duration: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("complete state: %v", err)
	}
	completed, ok := state.(ledger.CompletedState)
	if !ok {
		t.Fatalf("state = %T, want CompletedState", state)
	}
	if completed.OutputHash != "out-hash" || completed.Duration != 3*time.Second {
		t.Errorf("got output=%q duration=%v", completed.OutputHash, completed.Duration)
	}

	// Terminal states accept no further transitions.
	_, err = s.CompleteNodeState(ctx, open.ID, ledger.Completion{
		Status: ledger.StateFailed, CompletedAt: t0.Add(4 * time.Second), Duration: 4 * time.Second,
	})
	if !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}
}

func TestNodeStatePendingThenTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	open, err := s.BeginNodeState(ctx, run.ID, tok.ID, node.ID, 1, "in-hash", t0)
	if err != nil {
		t.Fatalf("begin state: %v", err)
	}
	if _, err := s.CompleteNodeState(ctx, open.ID, ledger.Completion{
		Status: ledger.StatePending, CompletedAt: t0.Add(time.Second), Duration: time.Second,
	}); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if _, err := s.CompleteNodeState(ctx, open.ID, ledger.Completion{
		Status: ledger.StateCompleted, OutputHash: "out",
		CompletedAt: t0.Add(2 * time.Second), Duration: 2 * time.Second,
	}); err != nil {
		t.Fatalf("pending to completed: %v", err)
	}
}

func TestCorruptedStateRejectedOnRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok := addToken(t, s, run, node, 0)

	open, err := s.BeginNodeState(ctx, run.ID, tok.ID, node.ID, 1, "in-hash", t0)
	if err != nil {
		t.Fatalf("begin state: %v", err)
	}

	// Corrupt the record behind the API's back: an open state must never
	// carry an output hash.
	if _, err := s.db.Exec(`UPDATE node_states SET output_hash = 'sneaky' WHERE id = ?`, open.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err = s.GetNodeState(ctx, open.ID)
	if !ledger.IsCorruption(err) {
		t.Fatalf("err = %v, want CorruptionError", err)
	}
}

func TestContractRoundTripAndTamperDetection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := beginRun(t, s)

	if _, err := s.StoreContract(ctx, run.ID, map[string]any{"fields": []any{"id", "name"}}); err != nil {
		t.Fatalf("store contract: %v", err)
	}

	contract, err := s.GetRunContract(ctx, run.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if contract == nil || contract.Hash == "" {
		t.Fatal("contract must round-trip with its hash")
	}

	if _, err := s.db.Exec(`UPDATE runs SET contract_json = ? WHERE id = ?`, `{"fields":["id"]}`, run.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err = s.GetRunContract(ctx, run.ID)
	if !ledger.IsCorruption(err) {
		t.Fatalf("err = %v, want CorruptionError", err)
	}
}

func TestGetRunContractAbsent(t *testing.T) {
	s := openTestStore(t)
	run, _ := beginRun(t, s)

	contract, err := s.GetRunContract(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if contract != nil {
		t.Fatal("absent contract must return nil, not a partial value")
	}
}

func TestBatchTransitionsAndRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)
	tok1 := addToken(t, s, run, node, 0)
	tok2 := addToken(t, s, run, node, 1)

	batch, err := s.CreateBatch(ctx, ledger.Batch{
		RunID: run.ID, NodeID: node.ID, TriggerType: "count",
		TriggerReason: "buffered 2 units >= threshold 2",
		CreatedAt:     t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for i, tok := range []ledger.Token{tok1, tok2} {
		if err := s.AddBatchMember(ctx, ledger.BatchMember{BatchID: batch.ID, TokenID: tok.ID, Ordinal: i}); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}

	// draft -> completed skips executing and must fail.
	if _, err := s.AdvanceBatch(ctx, batch.ID, ledger.BatchCompleted, t0); !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}

	if _, err := s.AdvanceBatch(ctx, batch.ID, ledger.BatchExecuting, t0.Add(time.Second)); err != nil {
		t.Fatalf("to executing: %v", err)
	}
	if _, err := s.AdvanceBatch(ctx, batch.ID, ledger.BatchFailed, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	retry, err := s.RetryBatch(ctx, batch.ID, t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Attempt != batch.Attempt+1 || retry.Status != ledger.BatchDraft {
		t.Errorf("retry attempt=%d status=%q", retry.Attempt, retry.Status)
	}

	members, err := s.ListBatchMembers(ctx, retry.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 || members[0].TokenID != tok1.ID || members[1].TokenID != tok2.ID {
		t.Fatalf("retry members = %+v, want same tokens in ordinal order", members)
	}

	// The failed batch stays untouched.
	prev, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if prev.Status != ledger.BatchFailed {
		t.Errorf("original batch status = %q, want failed", prev.Status)
	}
}

func TestRetryRequiresFailedBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)

	batch, err := s.CreateBatch(ctx, ledger.Batch{
		RunID: run.ID, NodeID: node.ID, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := s.RetryBatch(ctx, batch.ID, t0); !ledger.IsAuditIntegrity(err) {
		t.Fatalf("err = %v, want AuditIntegrityError", err)
	}
}

func TestRowIndexUniquePerSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)

	if _, err := s.CreateRow(ctx, ledger.Row{
		RunID: run.ID, SourceNodeID: node.ID, Index: 0, PayloadHash: "h", PayloadRef: "r",
	}); err != nil {
		t.Fatalf("first row: %v", err)
	}
	if _, err := s.CreateRow(ctx, ledger.Row{
		RunID: run.ID, SourceNodeID: node.ID, Index: 0, PayloadHash: "h2", PayloadRef: "r2",
	}); err == nil {
		t.Fatal("duplicate row index must fail")
	}
}

func TestCheckpointLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, node := beginRun(t, s)

	cp, err := s.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		t.Fatalf("latest on empty: %v", err)
	}
	if cp != nil {
		t.Fatal("no checkpoint yet, want nil")
	}

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := s.WriteCheckpoint(ctx, CheckpointRecord{
			RunID: run.ID, TokenID: "tok", NodeID: node.ID, Seq: seq,
			TopologyHash: "topo", AggState: []byte(`{}`), CreatedAt: t0.Add(time.Duration(seq) * time.Second),
		}); err != nil {
			t.Fatalf("write checkpoint %d: %v", seq, err)
		}
	}

	cp, err = s.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp == nil || cp.Seq != 3 {
		t.Fatalf("latest = %+v, want seq 3", cp)
	}
}
