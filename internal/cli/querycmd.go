package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/query"
)

// QueryResult holds generic tabular query output.
type QueryResult struct {
	Table   string           `json:"table"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// NewQueryCommand creates the query command: whitelisted, read-only
// filtered selects over ledger tables.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	var filters []string
	var columns []string
	var orderBy string
	var limit int

	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Run a read-only filtered query against a ledger table",
		Long:  "Query one of: " + strings.Join(query.Tables(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.Select{Table: args[0], Columns: columns, OrderBy: orderBy, Limit: limit}

			if len(filters) > 0 {
				and := query.And{}
				for _, f := range filters {
					col, val, ok := strings.Cut(f, "=")
					if !ok {
						return &ExitError{Code: ExitCommandError, Message: "filter must be column=value, got " + f}
					}
					and.Predicates = append(and.Predicates, query.Equals{Column: col, Value: val})
				}
				if len(and.Predicates) == 1 {
					q.Filter = and.Predicates[0]
				} else {
					q.Filter = and
				}
			}

			sqlText, sqlArgs, err := q.Compile()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid query", Err: err}
			}

			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.Query(cmd.Context(), sqlText, sqlArgs...)
			if err != nil {
				return err
			}
			defer rows.Close()

			cols, err := rows.Columns()
			if err != nil {
				return err
			}

			result := QueryResult{Table: args[0], Columns: cols}
			for rows.Next() {
				vals := make([]any, len(cols))
				ptrs := make([]any, len(cols))
				for i := range vals {
					ptrs[i] = &vals[i]
				}
				if err := rows.Scan(ptrs...); err != nil {
					return err
				}
				record := make(map[string]any, len(cols))
				for i, c := range cols {
					if b, ok := vals[i].([]byte); ok {
						vals[i] = string(b)
					}
					record[c] = vals[i]
				}
				result.Rows = append(result.Rows, record)
			}
			if err := rows.Err(); err != nil {
				return err
			}

			out := rootOpts.formatter(cmd)
			if out.IsJSON() {
				return out.JSON(result)
			}
			out.Text("%s: %d rows\n", result.Table, len(result.Rows))
			for _, r := range result.Rows {
				for _, c := range cols {
					out.Text("  %s=%v", c, r[c])
				}
				out.Text("\n")
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&filters, "where", nil, "filter as column=value (repeatable, ANDed)")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to select (default: all queryable)")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "column to order by")
	cmd.Flags().IntVar(&limit, "limit", 0, "row limit (0 = unlimited)")
	return cmd
}
