package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/checkpoint"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/recovery"
	"github.com/weftworks/weft/internal/trigger"
)

// ResumeCheckResult is the structured answer to "can this run resume".
type ResumeCheckResult struct {
	RunID     string `json:"run_id"`
	Resumable bool   `json:"resumable"`
	Reason    string `json:"reason,omitempty"`
	TokenID   string `json:"token_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Seq       *int64 `json:"seq,omitempty"`
}

// NewResumeCheckCommand creates the resume-check command. Exit code 0
// means resumable, 1 means not resumable, 2 means the check itself could
// not run.
func NewResumeCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var graphPath string

	cmd := &cobra.Command{
		Use:   "resume-check <run-id>",
		Short: "Decide whether a run can resume against the current topology",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			g, err := graph.LoadFile(graphPath)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "load topology", Err: err}
			}

			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cp := checkpoint.NewManager(st, trigger.WallClock{})
			mgr := recovery.NewManager(st, cp, nil, rootOpts.log)

			decision, err := mgr.CanResume(cmd.Context(), runID, g)
			if err != nil {
				// Corruption and integrity failures propagate; never report
				// them as an ordinary "not resumable".
				return &ExitError{Code: ExitCommandError, Message: "resume check", Err: err}
			}

			result := ResumeCheckResult{RunID: runID, Resumable: decision.Resumable, Reason: decision.Reason}
			if decision.Resumable {
				point, err := mgr.GetResumePoint(cmd.Context(), runID, g)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "resume point", Err: err}
				}
				if point != nil {
					result.TokenID = point.TokenID
					result.NodeID = point.NodeID
					result.Seq = &point.Seq
				}
			}

			out := rootOpts.formatter(cmd)
			if out.IsJSON() {
				if err := out.JSON(result); err != nil {
					return err
				}
			} else if result.Resumable {
				out.Text("run %s is resumable\n", runID)
				if result.Seq != nil {
					out.Text("  resume at: node=%s token=%s seq=%d\n", result.NodeID, result.TokenID, *result.Seq)
				}
			} else {
				out.Text("run %s is not resumable: %s\n", runID, result.Reason)
			}

			if !result.Resumable {
				rootOpts.log.Info("not resumable", zap.String("run_id", runID), zap.String("reason", result.Reason))
				return &ExitError{Code: ExitFailure, Message: "not resumable: " + result.Reason}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "path to the current topology YAML (required)")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
