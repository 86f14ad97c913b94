package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weftworks/weft/internal/checkpoint"
	"github.com/weftworks/weft/internal/payload"
	"github.com/weftworks/weft/internal/recovery"
	"github.com/weftworks/weft/internal/trigger"
)

// RowsResult lists the rows a resumed run would still process.
type RowsResult struct {
	RunID string     `json:"run_id"`
	Count int        `json:"count"`
	Rows  []RowEntry `json:"rows"`
}

// RowEntry is one unprocessed row.
type RowEntry struct {
	RowID string         `json:"row_id"`
	Index int64          `json:"index"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewRowsCommand creates the rows command.
func NewRowsCommand(rootOpts *RootOptions) *cobra.Command {
	var withData bool
	var payloadDir string

	cmd := &cobra.Command{
		Use:   "rows <run-id>",
		Short: "List rows still requiring work, in replay order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cp := checkpoint.NewManager(st, trigger.WallClock{})
			mgr := recovery.NewManager(st, cp, nil, rootOpts.log)

			result := RowsResult{RunID: runID}
			if withData {
				if payloadDir == "" {
					payloadDir = viper.GetString("payload_dir")
				}
				if payloadDir == "" {
					return &ExitError{Code: ExitCommandError, Message: "no payload store: set --payload-dir or WEFT_PAYLOAD_DIR"}
				}
				payloads, err := payload.NewFileStore(payloadDir)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "open payload store", Err: err}
				}
				data, err := mgr.UnprocessedRowData(cmd.Context(), runID, payloads)
				if err != nil {
					return err
				}
				for _, d := range data {
					result.Rows = append(result.Rows, RowEntry{RowID: d.RowID, Index: d.Index, Data: d.Data})
				}
			} else {
				rows, err := mgr.UnprocessedRows(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, r := range rows {
					result.Rows = append(result.Rows, RowEntry{RowID: r.ID, Index: r.Index})
				}
			}
			result.Count = len(result.Rows)

			out := rootOpts.formatter(cmd)
			if out.IsJSON() {
				return out.JSON(result)
			}
			if result.Count == 0 {
				out.Text("run %s: no unprocessed rows\n", runID)
				return nil
			}
			out.Text("run %s: %d unprocessed rows\n", runID, result.Count)
			for _, r := range result.Rows {
				out.Text("  [%d] %s\n", r.Index, r.RowID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withData, "data", false, "retrieve and type-restore row payloads")
	cmd.Flags().StringVar(&payloadDir, "payload-dir", "", "payload store directory (env: WEFT_PAYLOAD_DIR)")
	return cmd
}
