package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/store"
)

var cliT0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fixtureDB builds a small deterministic ledger: one run, three nodes,
// one row whose token completed at the source node.
func fixtureDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	gen := ledger.NewFixedIDGenerator(
		"run-1", "node-src", "node-agg", "node-out",
		"edge-1", "edge-2", "row-1", "tok-1", "state-1", "out-1",
	)
	st, err := store.Open(path, store.WithIDGenerator(gen))
	require.NoError(t, err)
	defer st.Close()

	run, err := st.BeginRun(ctx, map[string]any{"pipeline": "cli-test"}, cliT0)
	require.NoError(t, err)

	var nodes []ledger.Node
	for _, spec := range []struct {
		name string
		kind ledger.NodeKind
	}{
		{"src", ledger.NodeSource},
		{"agg", ledger.NodeAggregation},
		{"out", ledger.NodeSink},
	} {
		n, err := st.RegisterNode(ctx, ledger.Node{
			RunID: run.ID, Name: spec.name, Plugin: "test-source",
			Kind: spec.kind, Determinism: ledger.Deterministic, OptionsHash: "opts",
		})
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	_, err = st.RegisterEdge(ctx, ledger.Edge{RunID: run.ID, FromNodeID: nodes[0].ID, ToNodeID: nodes[1].ID})
	require.NoError(t, err)
	_, err = st.RegisterEdge(ctx, ledger.Edge{RunID: run.ID, FromNodeID: nodes[1].ID, ToNodeID: nodes[2].ID})
	require.NoError(t, err)

	row, err := st.CreateRow(ctx, ledger.Row{
		RunID: run.ID, SourceNodeID: nodes[0].ID, Index: 0,
		PayloadHash: "ph", PayloadRef: "pr",
	})
	require.NoError(t, err)
	tok, err := st.CreateToken(ctx, ledger.Token{RunID: run.ID, RowID: row.ID})
	require.NoError(t, err)

	open, err := st.BeginNodeState(ctx, run.ID, tok.ID, nodes[0].ID, 1, "in-hash", cliT0)
	require.NoError(t, err)
	_, err = st.CompleteNodeState(ctx, open.ID, ledger.Completion{
		Status: ledger.StateCompleted, OutputHash: "out-hash",
		CompletedAt: cliT0.Add(3 * time.Second), Duration: 3 * time.Second,
	})
	require.NoError(t, err)

	_, err = st.RecordTokenOutcome(ctx, run.ID, tok.ID, ledger.OutcomeCompleted,
		ledger.Companions{SinkName: "sink-a"}, cliT0.Add(3*time.Second))
	require.NoError(t, err)

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestStatusJSON(t *testing.T) {
	db := fixtureDB(t)

	out, err := execute(t, "status", "run-1", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result StatusResult
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "running", result.Status)
	assert.Equal(t, 3, result.Nodes)
	assert.Equal(t, 1, result.Rows)
	assert.Equal(t, 1, result.Tokens)
	assert.Nil(t, result.Checkpoint)
}

func TestStatusUnknownRun(t *testing.T) {
	db := fixtureDB(t)

	_, err := execute(t, "status", "ghost", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusNoDatabase(t *testing.T) {
	_, err := execute(t, "status", "run-1", "--db", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormatRejected(t *testing.T) {
	db := fixtureDB(t)

	_, err := execute(t, "status", "run-1", "--db", db, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestExplainGolden(t *testing.T) {
	db := fixtureDB(t)

	out, err := execute(t, "explain", "tok-1", "--db", db)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "explain_token", []byte(out))
}

func TestExplainUnknownToken(t *testing.T) {
	db := fixtureDB(t)

	_, err := execute(t, "explain", "ghost", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQueryCommand(t *testing.T) {
	db := fixtureDB(t)

	out, err := execute(t, "query", "token_outcomes",
		"--db", db, "--format", "json",
		"--where", "run_id=run-1", "--columns", "id,kind,is_terminal")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result QueryResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "completed", result.Rows[0]["kind"])
}

func TestQueryRejectsUnknownTable(t *testing.T) {
	db := fixtureDB(t)

	_, err := execute(t, "query", "sqlite_master", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRowsListsUnprocessed(t *testing.T) {
	db := fixtureDB(t)
	ctx := context.Background()

	// Add a second row with no tokens; it is unprocessed.
	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.CreateRow(ctx, ledger.Row{
		RunID: "run-1", SourceNodeID: "node-src", Index: 1,
		PayloadHash: "ph2", PayloadRef: "pr2",
	})
	require.NoError(t, err)
	st.Close()

	out, err := execute(t, "rows", "run-1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "1 unprocessed rows")
	assert.Contains(t, out, "[1]")
}
