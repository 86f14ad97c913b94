package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/ledger"
	"github.com/weftworks/weft/internal/store"
)

// ExplainResult is a token's full recorded history: lineage, execution
// states, outcomes, and routing decisions.
type ExplainResult struct {
	TokenID  string         `json:"token_id"`
	RowID    string         `json:"row_id"`
	Parents  []string       `json:"parents,omitempty"`
	Children []string       `json:"children,omitempty"`
	States   []StateEntry   `json:"states"`
	Outcomes []OutcomeEntry `json:"outcomes"`
	Routing  []RoutingEntry `json:"routing,omitempty"`
}

// StateEntry is one (node, attempt) execution record.
type StateEntry struct {
	NodeID     string `json:"node_id"`
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash,omitempty"`
	DurationUS int64  `json:"duration_us,omitempty"`
}

// OutcomeEntry is one recorded disposition.
type OutcomeEntry struct {
	Kind      string `json:"kind"`
	Terminal  bool   `json:"terminal"`
	Companion string `json:"companion,omitempty"`
}

// RoutingEntry is one routing decision.
type RoutingEntry struct {
	EdgeID string `json:"edge_id,omitempty"`
	Mode   string `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <token-id>",
		Short: "Show a token's lineage, execution states, and outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return runExplain(cmd.Context(), st, args[0], rootOpts.formatter(cmd))
		},
	}
}

func runExplain(ctx context.Context, st *store.Store, tokenID string, out *Formatter) error {
	states, err := st.ListNodeStatesForToken(ctx, tokenID)
	if err != nil {
		return err
	}
	outcomes, err := st.ListTokenOutcomes(ctx, tokenID)
	if err != nil {
		return err
	}
	parents, err := st.ListTokenParents(ctx, tokenID)
	if err != nil {
		return err
	}
	children, err := st.ListChildTokens(ctx, tokenID)
	if err != nil {
		return err
	}
	routing, err := st.ListRoutingEvents(ctx, tokenID)
	if err != nil {
		return err
	}

	if len(states) == 0 && len(outcomes) == 0 && len(parents) == 0 {
		return &ExitError{Code: ExitCommandError, Message: "no history recorded for token " + tokenID}
	}

	result := ExplainResult{TokenID: tokenID}
	for _, p := range parents {
		result.Parents = append(result.Parents, p.ParentID)
	}
	result.Children = children

	for _, s := range states {
		meta := s.Meta()
		if result.RowID == "" {
			if tok, err := tokenRow(ctx, st, meta.RunID, tokenID); err == nil {
				result.RowID = tok
			}
		}
		entry := StateEntry{
			NodeID:    meta.NodeID,
			Attempt:   meta.Attempt,
			Status:    string(s.Status()),
			InputHash: stateInputHash(s),
		}
		switch v := s.(type) {
		case ledger.CompletedState:
			entry.OutputHash = v.OutputHash
			entry.DurationUS = v.Duration.Microseconds()
		case ledger.FailedState:
			entry.OutputHash = v.OutputHash
			entry.DurationUS = v.Duration.Microseconds()
		case ledger.PendingState:
			entry.DurationUS = v.Duration.Microseconds()
		}
		result.States = append(result.States, entry)
	}

	for _, o := range outcomes {
		result.Outcomes = append(result.Outcomes, OutcomeEntry{
			Kind:      string(o.Kind),
			Terminal:  o.Terminal,
			Companion: outcomeCompanion(o),
		})
	}
	for _, r := range routing {
		result.Routing = append(result.Routing, RoutingEntry{EdgeID: r.EdgeID, Mode: r.Mode, Reason: r.Reason})
	}

	if out.IsJSON() {
		return out.JSON(result)
	}

	out.Text("token %s\n", result.TokenID)
	if result.RowID != "" {
		out.Text("  row: %s\n", result.RowID)
	}
	for _, p := range result.Parents {
		out.Text("  parent: %s\n", p)
	}
	for _, c := range result.Children {
		out.Text("  child:  %s\n", c)
	}
	for _, s := range result.States {
		out.Text("  state node=%s attempt=%d status=%s", s.NodeID, s.Attempt, s.Status)
		if s.DurationUS > 0 {
			out.Text(" duration=%s", time.Duration(s.DurationUS)*time.Microsecond)
		}
		out.Text("\n")
	}
	for _, o := range result.Outcomes {
		out.Text("  outcome %s terminal=%v", o.Kind, o.Terminal)
		if o.Companion != "" {
			out.Text(" (%s)", o.Companion)
		}
		out.Text("\n")
	}
	for _, r := range result.Routing {
		out.Text("  routed mode=%s reason=%s\n", r.Mode, r.Reason)
	}
	return nil
}

func stateInputHash(s ledger.NodeState) string {
	switch v := s.(type) {
	case ledger.OpenState:
		return v.InputHash
	case ledger.PendingState:
		return v.InputHash
	case ledger.CompletedState:
		return v.InputHash
	case ledger.FailedState:
		return v.InputHash
	}
	return ""
}

func outcomeCompanion(o ledger.TokenOutcome) string {
	for _, v := range []string{o.SinkName, o.ForkGroup, o.JoinGroup, o.ExpandGroup, o.ErrorHash, o.BatchID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func tokenRow(ctx context.Context, st *store.Store, runID, tokenID string) (string, error) {
	tokens, err := st.ListTokens(ctx, runID)
	if err != nil {
		return "", err
	}
	for _, t := range tokens {
		if t.ID == tokenID {
			return t.RowID, nil
		}
	}
	return "", store.ErrNotFound
}
