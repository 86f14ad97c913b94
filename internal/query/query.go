// Package query is a small read-only query layer over the ledger for
// operator tooling. Queries are built as a sealed IR, validated against a
// whitelist of ledger tables and columns, and compiled to parameterized
// SELECT statements. Nothing in this package can express a write.
package query

import (
	"fmt"
	"sort"
	"strings"
)

// Predicate is a filter condition. Sealed: only types in this package
// implement it, which keeps the compiler's type switch exhaustive.
type Predicate interface {
	predicate()
}

// Equals matches column = value.
type Equals struct {
	Column string
	Value  any
}

func (Equals) predicate() {}

// And requires every child predicate to hold.
type And struct {
	Predicates []Predicate
}

func (And) predicate() {}

// Select is a filtered projection over one ledger table.
type Select struct {
	Table   string
	Columns []string // empty means every whitelisted column
	Filter  Predicate
	OrderBy string
	Limit   int
}

// tables whitelists what operator queries may touch, and with which
// columns. The checkpoint agg_state blob is deliberately absent: it is
// an engine-internal encoding, not operator-queryable data.
var tables = map[string][]string{
	"runs":           {"id", "started_at", "config_hash", "canon_version", "status", "completed_at", "repro_grade"},
	"nodes":          {"id", "run_id", "name", "plugin", "plugin_version", "kind", "determinism", "options_hash"},
	"edges":          {"id", "run_id", "from_node_id", "to_node_id", "routing_mode"},
	"rows":           {"id", "run_id", "source_node_id", "row_index", "payload_hash", "payload_ref"},
	"tokens":         {"id", "run_id", "row_id", "fork_group", "join_group", "expand_group", "branch", "position"},
	"token_parents":  {"token_id", "parent_id", "ordinal"},
	"node_states":    {"id", "run_id", "token_id", "node_id", "attempt", "status", "input_hash", "output_hash", "started_at", "completed_at", "duration_us"},
	"token_outcomes": {"id", "run_id", "token_id", "kind", "is_terminal", "sink_name", "fork_group", "join_group", "expand_group", "error_hash", "batch_id", "recorded_at"},
	"batches":        {"id", "run_id", "node_id", "attempt", "status", "trigger_type", "trigger_reason", "created_at", "updated_at"},
	"batch_members":  {"batch_id", "token_id", "ordinal"},
	"calls":          {"id", "run_id", "state_id", "operation_id", "provider", "detail_hash", "started_at", "duration_us"},
	"routing_events": {"id", "run_id", "state_id", "token_id", "edge_id", "mode", "reason", "at"},
	"artifacts":      {"id", "run_id", "state_id", "content_hash", "size_bytes", "location"},
	"checkpoints":    {"id", "run_id", "token_id", "node_id", "seq", "topology_hash", "created_at"},
}

// Tables returns the queryable table names, sorted.
func Tables() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the query against the whitelist before compilation.
func (q Select) Validate() error {
	cols, ok := tables[q.Table]
	if !ok {
		return fmt.Errorf("unknown table %q", q.Table)
	}
	allowed := make(map[string]bool, len(cols))
	for _, c := range cols {
		allowed[c] = true
	}

	for _, c := range q.Columns {
		if !allowed[c] {
			return fmt.Errorf("table %q has no queryable column %q", q.Table, c)
		}
	}
	if q.OrderBy != "" && !allowed[q.OrderBy] {
		return fmt.Errorf("table %q has no queryable column %q", q.Table, q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return validatePredicate(q.Table, allowed, q.Filter)
}

func validatePredicate(table string, allowed map[string]bool, p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		if !allowed[pred.Column] {
			return fmt.Errorf("table %q has no queryable column %q", table, pred.Column)
		}
		return nil
	case And:
		if len(pred.Predicates) == 0 {
			return fmt.Errorf("empty AND predicate")
		}
		for _, child := range pred.Predicates {
			if child == nil {
				return fmt.Errorf("nil predicate inside AND")
			}
			if err := validatePredicate(table, allowed, child); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown predicate type %T", p)
}

// Compile validates the query and produces parameterized SQL. Values
// only ever travel as bind arguments.
func (q Select) Compile() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	cols := q.Columns
	if len(cols) == 0 {
		cols = tables[q.Table]
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(q.Table)

	var args []any
	if q.Filter != nil {
		clause, filterArgs := compilePredicate(q.Filter)
		sb.WriteString(" WHERE ")
		sb.WriteString(clause)
		args = filterArgs
	}
	if q.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.OrderBy)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return sb.String(), args, nil
}

func compilePredicate(p Predicate) (string, []any) {
	switch pred := p.(type) {
	case Equals:
		return pred.Column + " = ?", []any{pred.Value}
	case And:
		clauses := make([]string, 0, len(pred.Predicates))
		var args []any
		for _, child := range pred.Predicates {
			clause, childArgs := compilePredicate(child)
			clauses = append(clauses, clause)
			args = append(args, childArgs...)
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args
	}
	// Validate rejects anything else before compilation.
	panic(fmt.Sprintf("unreachable predicate type %T", p))
}
