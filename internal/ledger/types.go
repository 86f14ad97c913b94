package ledger

import "time"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunInterrupted:
		return true
	}
	return false
}

// Valid reports whether the status is a known run status.
func (s RunStatus) Valid() bool {
	return s == RunRunning || s.Terminal()
}

// Run is one end-to-end pipeline execution. The run owns every other
// entity transitively.
type Run struct {
	ID           string
	StartedAt    time.Time
	ConfigHash   string
	CanonVersion string
	Status       RunStatus
	CompletedAt  *time.Time
	ReproGrade   string // optional reproducibility grade, set at completion
}

// NodeKind classifies a plugin instance within the graph.
type NodeKind string

const (
	NodeSource      NodeKind = "source"
	NodeTransform   NodeKind = "transform"
	NodeAggregation NodeKind = "aggregation"
	NodeSink        NodeKind = "sink"
)

// Valid reports whether the kind is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeSource, NodeTransform, NodeAggregation, NodeSink:
		return true
	}
	return false
}

// Determinism classifies whether a node's output is a pure function of
// its input.
type Determinism string

const (
	Deterministic    Determinism = "deterministic"
	Nondeterministic Determinism = "nondeterministic"
	External         Determinism = "external"
)

// Node is a registered plugin instance within a run's graph.
type Node struct {
	ID            string
	RunID         string
	Name          string
	Plugin        string
	PluginVersion string
	Kind          NodeKind
	Determinism   Determinism
	OptionsHash   string
	SchemaJSON    string // declared schema, canonical JSON
}

// Edge connects two nodes with a routing-mode default.
type Edge struct {
	ID          string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	RoutingMode string
}

// Row is one source-originated unit of input. Index is 0-based and the
// baseline processing order.
type Row struct {
	ID           string
	RunID        string
	SourceNodeID string
	Index        int64
	PayloadHash  string
	PayloadRef   string // reference into external payload storage
}

// Token is one logical unit of work derived from a Row as it flows
// through the graph. The group fields are empty unless the token takes
// part in a fork, join, or batch expansion.
type Token struct {
	ID          string
	RunID       string
	RowID       string
	ForkGroup   string
	JoinGroup   string
	ExpandGroup string
	Branch      string
	Position    int64 // position in the pipeline
}

// TokenParent records an ordered parent→child edge between tokens.
// Joins and merges give a child multiple parents; Ordinal preserves the
// parent order. Parents strictly precede children in creation order, so
// lineage is acyclic by construction.
type TokenParent struct {
	TokenID  string
	ParentID string
	Ordinal  int
}

// BatchStatus is the lifecycle status of a Batch.
// Transitions: draft → executing → completed | failed. A failed batch is
// retryable into a new batch with attempt+1.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// CanAdvanceTo reports whether the transition s → next is legal.
func (s BatchStatus) CanAdvanceTo(next BatchStatus) bool {
	switch s {
	case BatchDraft:
		return next == BatchExecuting
	case BatchExecuting:
		return next == BatchCompleted || next == BatchFailed
	}
	return false
}

// Batch groups tokens submitted together to an aggregation node.
type Batch struct {
	ID            string
	RunID         string
	NodeID        string
	Attempt       int
	Status        BatchStatus
	TriggerType   string // "count" or "timeout"
	TriggerReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BatchMember links a batch to a token. Ordinal preserves submission order.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// Call records one external call made while executing a node state or a
// source/sink operation. Append-only audit detail.
type Call struct {
	ID          string
	RunID       string
	StateID     string // parent node state, empty if parented to an operation
	OperationID string // parent operation, empty if parented to a state
	Provider    string
	DetailHash  string
	StartedAt   time.Time
	Duration    time.Duration
}

// RoutingEvent records one routing decision for a token. Append-only.
type RoutingEvent struct {
	ID      string
	RunID   string
	StateID string
	TokenID string
	EdgeID  string
	Mode    string
	Reason  string
	At      time.Time
}

// Artifact records sink output keyed by the producing state.
type Artifact struct {
	ID          string
	RunID       string
	StateID     string
	ContentHash string
	SizeBytes   int64
	Location    string
}

// Contract is a run's stored schema contract together with its integrity
// hash. The body is canonical JSON; the hash is recomputed and compared on
// every read.
type Contract struct {
	RunID string
	Body  string
	Hash  string
}
