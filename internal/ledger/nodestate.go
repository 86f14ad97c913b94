package ledger

import (
	"fmt"
	"time"
)

// StateStatus discriminates the NodeState tagged variant.
type StateStatus string

const (
	StateOpen      StateStatus = "open"
	StatePending   StateStatus = "pending"
	StateCompleted StateStatus = "completed"
	StateFailed    StateStatus = "failed"
)

// Terminal reports whether the status ends a node state's lifecycle.
func (s StateStatus) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether the status is a known state status.
func (s StateStatus) Valid() bool {
	switch s {
	case StateOpen, StatePending, StateCompleted, StateFailed:
		return true
	}
	return false
}

// StateMeta identifies a node state: one (token, node, attempt) execution.
type StateMeta struct {
	ID      string
	RunID   string
	TokenID string
	NodeID  string
	Attempt int
}

// NodeState is a sealed interface over the four execution-record variants.
// Each variant carries exactly the fields its status mandates; construct
// them only through the New* factories or StateRecord.Decode, which enforce
// the field-presence rules.
type NodeState interface {
	nodeState() // sealed
	Meta() StateMeta
	Status() StateStatus
}

// OpenState is work that has started. Output hash, completion time, and
// duration do not exist yet.
type OpenState struct {
	StateMeta
	InputHash string
	StartedAt time.Time
}

func (OpenState) nodeState() {}
func (s OpenState) Meta() StateMeta { return s.StateMeta }
func (OpenState) Status() StateStatus { return StateOpen }

// PendingState is work accepted but not yet resolved, such as an async
// batch submission. It has timing but no output hash.
type PendingState struct {
	StateMeta
	InputHash   string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

func (PendingState) nodeState() {}
func (s PendingState) Meta() StateMeta { return s.StateMeta }
func (PendingState) Status() StateStatus { return StatePending }

// CompletedState is successfully finished work. All fields are mandatory.
type CompletedState struct {
	StateMeta
	InputHash   string
	OutputHash  string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

func (CompletedState) nodeState() {}
func (s CompletedState) Meta() StateMeta { return s.StateMeta }
func (CompletedState) Status() StateStatus { return StateCompleted }

// FailedState is finished work that did not succeed. Output hash and error
// detail are optional (a node may fail after producing partial output).
type FailedState struct {
	StateMeta
	InputHash   string
	OutputHash  string // optional
	ErrorDetail string // optional
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

func (FailedState) nodeState() {}
func (s FailedState) Meta() StateMeta { return s.StateMeta }
func (FailedState) Status() StateStatus { return StateFailed }

// NewOpenState validates and constructs an open state.
func NewOpenState(meta StateMeta, inputHash string, startedAt time.Time) (OpenState, error) {
	if err := validateMeta(meta); err != nil {
		return OpenState{}, err
	}
	if inputHash == "" {
		return OpenState{}, &ContractViolation{
			Entity: "node_state", Kind: string(StateOpen),
			Field: "input_hash", Message: "open state requires an input hash",
		}
	}
	if startedAt.IsZero() {
		return OpenState{}, &ContractViolation{
			Entity: "node_state", Kind: string(StateOpen),
			Field: "started_at", Message: "open state requires a start time",
		}
	}
	return OpenState{StateMeta: meta, InputHash: inputHash, StartedAt: startedAt}, nil
}

func validateMeta(meta StateMeta) error {
	for _, f := range []struct{ name, val string }{
		{"id", meta.ID},
		{"run_id", meta.RunID},
		{"token_id", meta.TokenID},
		{"node_id", meta.NodeID},
	} {
		if f.val == "" {
			return &ContractViolation{
				Entity: "node_state", Field: f.name,
				Message: "state identity field must not be empty",
			}
		}
	}
	return nil
}

// StateRecord is the raw storage shape of a node state before variant
// validation. Nil pointers are NULL columns.
type StateRecord struct {
	ID          string
	RunID       string
	TokenID     string
	NodeID      string
	Attempt     int
	Status      string
	InputHash   string
	OutputHash  *string
	ErrorDetail *string
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationUS  *int64
}

// Decode validates the record against the field-presence rules of its
// status and returns the typed variant. Any violation means the ledger
// itself is corrupt: the error names the record and the exact invariant,
// and the caller must abort loading rather than default the field.
func (r StateRecord) Decode() (NodeState, error) {
	meta := StateMeta{ID: r.ID, RunID: r.RunID, TokenID: r.TokenID, NodeID: r.NodeID, Attempt: r.Attempt}

	corrupt := func(invariant string) error {
		return &CorruptionError{Entity: "node_state", RecordID: r.ID, Invariant: invariant}
	}

	status := StateStatus(r.Status)
	if !status.Valid() {
		return nil, corrupt(fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.InputHash == "" {
		return nil, corrupt(fmt.Sprintf("%s state missing input_hash", status))
	}
	if r.StartedAt.IsZero() {
		return nil, corrupt(fmt.Sprintf("%s state missing started_at", status))
	}

	switch status {
	case StateOpen:
		if r.OutputHash != nil {
			return nil, corrupt("open state must not have output_hash")
		}
		if r.CompletedAt != nil {
			return nil, corrupt("open state must not have completed_at")
		}
		if r.DurationUS != nil {
			return nil, corrupt("open state must not have duration")
		}
		return OpenState{StateMeta: meta, InputHash: r.InputHash, StartedAt: r.StartedAt}, nil

	case StatePending:
		if r.OutputHash != nil {
			return nil, corrupt("pending state must not have output_hash")
		}
		if r.CompletedAt == nil {
			return nil, corrupt("pending state missing completed_at")
		}
		if r.DurationUS == nil {
			return nil, corrupt("pending state missing duration")
		}
		return PendingState{
			StateMeta: meta, InputHash: r.InputHash,
			StartedAt: r.StartedAt, CompletedAt: *r.CompletedAt,
			Duration: time.Duration(*r.DurationUS) * time.Microsecond,
		}, nil

	case StateCompleted:
		if r.OutputHash == nil || *r.OutputHash == "" {
			return nil, corrupt("completed state missing output_hash")
		}
		if r.CompletedAt == nil {
			return nil, corrupt("completed state missing completed_at")
		}
		if r.DurationUS == nil {
			return nil, corrupt("completed state missing duration")
		}
		return CompletedState{
			StateMeta: meta, InputHash: r.InputHash, OutputHash: *r.OutputHash,
			StartedAt: r.StartedAt, CompletedAt: *r.CompletedAt,
			Duration: time.Duration(*r.DurationUS) * time.Microsecond,
		}, nil

	case StateFailed:
		if r.CompletedAt == nil {
			return nil, corrupt("failed state missing completed_at")
		}
		if r.DurationUS == nil {
			return nil, corrupt("failed state missing duration")
		}
		fs := FailedState{
			StateMeta: meta, InputHash: r.InputHash,
			StartedAt: r.StartedAt, CompletedAt: *r.CompletedAt,
			Duration: time.Duration(*r.DurationUS) * time.Microsecond,
		}
		if r.OutputHash != nil {
			fs.OutputHash = *r.OutputHash
		}
		if r.ErrorDetail != nil {
			fs.ErrorDetail = *r.ErrorDetail
		}
		return fs, nil
	}

	return nil, corrupt(fmt.Sprintf("unreachable status %q", r.Status))
}

// Completion carries the fields needed to move an open state to a terminal
// (or pending) status. Which fields are mandatory depends on the target
// status; CompleteNodeState validates the combination.
type Completion struct {
	Status      StateStatus
	OutputHash  string
	ErrorDetail string
	CompletedAt time.Time
	Duration    time.Duration
}

// Validate enforces the per-status field rules on a completion request.
func (c Completion) Validate() error {
	violation := func(field, msg string) error {
		return &ContractViolation{Entity: "node_state", Kind: string(c.Status), Field: field, Message: msg}
	}

	switch c.Status {
	case StatePending, StateCompleted, StateFailed:
	case StateOpen:
		return violation("status", "open is not a completion status")
	default:
		return violation("status", fmt.Sprintf("unknown status %q", c.Status))
	}

	if c.CompletedAt.IsZero() {
		return violation("completed_at", "completion requires a completion time")
	}
	if c.Duration < 0 {
		return violation("duration", "duration must not be negative")
	}

	switch c.Status {
	case StatePending:
		if c.OutputHash != "" {
			return violation("output_hash", "pending state must not carry an output hash")
		}
	case StateCompleted:
		if c.OutputHash == "" {
			return violation("output_hash", "completed state requires an output hash")
		}
	}
	return nil
}
