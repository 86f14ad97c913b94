package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/store"
)

// StatusResult summarizes a run for operators.
type StatusResult struct {
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ReproGrade   string     `json:"repro_grade,omitempty"`
	ConfigHash   string     `json:"config_hash"`
	CanonVersion string     `json:"canon_version"`
	Nodes        int        `json:"nodes"`
	Rows         int        `json:"rows"`
	Tokens       int        `json:"tokens"`
	Batches      int        `json:"batches"`
	Checkpoint   *int64     `json:"checkpoint_seq,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Summarize a run's recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return runStatus(cmd.Context(), st, args[0], rootOpts.formatter(cmd))
		},
	}
}

func runStatus(ctx context.Context, st *store.Store, runID string, out *Formatter) error {
	run, err := st.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return &ExitError{Code: ExitCommandError, Message: "run not found: " + runID}
	}
	if err != nil {
		return err
	}

	result := StatusResult{
		RunID:        run.ID,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		ReproGrade:   run.ReproGrade,
		ConfigHash:   run.ConfigHash,
		CanonVersion: run.CanonVersion,
	}

	nodes, err := st.ListNodes(ctx, runID)
	if err != nil {
		return err
	}
	result.Nodes = len(nodes)

	rows, err := st.ListRows(ctx, runID)
	if err != nil {
		return err
	}
	result.Rows = len(rows)

	tokens, err := st.ListTokens(ctx, runID)
	if err != nil {
		return err
	}
	result.Tokens = len(tokens)

	batches, err := st.ListBatches(ctx, runID)
	if err != nil {
		return err
	}
	result.Batches = len(batches)

	cp, err := st.LatestCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if cp != nil {
		result.Checkpoint = &cp.Seq
	}

	if out.IsJSON() {
		return out.JSON(result)
	}

	out.Text("run %s\n", result.RunID)
	out.Text("  status:      %s\n", result.Status)
	out.Text("  started:     %s\n", result.StartedAt.Format(time.RFC3339))
	if result.CompletedAt != nil {
		out.Text("  completed:   %s\n", result.CompletedAt.Format(time.RFC3339))
	}
	if result.ReproGrade != "" {
		out.Text("  repro grade: %s\n", result.ReproGrade)
	}
	out.Text("  config:      %s (%s)\n", result.ConfigHash, result.CanonVersion)
	out.Text("  nodes=%d rows=%d tokens=%d batches=%d\n", result.Nodes, result.Rows, result.Tokens, result.Batches)
	if result.Checkpoint != nil {
		out.Text("  checkpoint:  seq %d\n", *result.Checkpoint)
	} else {
		out.Text("  checkpoint:  none\n")
	}
	if run.Status == ledger.RunRunning {
		out.Text("  note: a running status after process death must be marked failed externally before recovery\n")
	}
	return nil
}
