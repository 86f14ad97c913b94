package ledger

import (
	"fmt"
	"time"
)

// OutcomeKind is the disposition recorded for a token.
type OutcomeKind string

const (
	// Terminal kinds: the token needs no further work.
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeRouted          OutcomeKind = "routed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeQuarantined     OutcomeKind = "quarantined"
	OutcomeCoalesced       OutcomeKind = "coalesced"
	OutcomeConsumedInBatch OutcomeKind = "consumed_in_batch"

	// Delegation markers: completion judgment defers to child tokens.
	OutcomeForked   OutcomeKind = "forked"
	OutcomeExpanded OutcomeKind = "expanded"

	// Buffered is the intermediate state of a token parked in an
	// aggregation buffer, before its eventual terminal outcome.
	OutcomeBuffered OutcomeKind = "buffered"
)

// Terminal reports whether the kind is terminal. The is_terminal flag
// stored alongside an outcome must always agree with this.
func (k OutcomeKind) Terminal() bool {
	switch k {
	case OutcomeCompleted, OutcomeRouted, OutcomeFailed,
		OutcomeQuarantined, OutcomeCoalesced, OutcomeConsumedInBatch:
		return true
	}
	return false
}

// Delegation reports whether the kind defers completion to child tokens.
func (k OutcomeKind) Delegation() bool {
	return k == OutcomeForked || k == OutcomeExpanded
}

// Valid reports whether the kind is one of the nine known kinds.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeFailed,
		OutcomeQuarantined, OutcomeConsumedInBatch, OutcomeCoalesced,
		OutcomeExpanded, OutcomeBuffered:
		return true
	}
	return false
}

// companionField returns the field name the kind mandates, or "".
func (k OutcomeKind) companionField() string {
	switch k {
	case OutcomeCompleted, OutcomeRouted:
		return "sink_name"
	case OutcomeForked:
		return "fork_group"
	case OutcomeFailed, OutcomeQuarantined:
		return "error_hash"
	case OutcomeCoalesced:
		return "join_group"
	case OutcomeExpanded:
		return "expand_group"
	case OutcomeBuffered, OutcomeConsumedInBatch:
		return "batch_id"
	}
	return ""
}

// Companions carries the kind-specific companion fields of an outcome.
// Exactly the field the kind mandates must be set; NewTokenOutcome
// rejects anything else.
type Companions struct {
	SinkName    string
	ForkGroup   string
	JoinGroup   string
	ExpandGroup string
	ErrorHash   string
	BatchID     string
}

func (c Companions) get(field string) string {
	switch field {
	case "sink_name":
		return c.SinkName
	case "fork_group":
		return c.ForkGroup
	case "join_group":
		return c.JoinGroup
	case "expand_group":
		return c.ExpandGroup
	case "error_hash":
		return c.ErrorHash
	case "batch_id":
		return c.BatchID
	}
	return ""
}

// TokenOutcome is the disposition record for a token. At most one outcome
// with Terminal=true may ever exist per token; the store enforces that
// uniqueness at write time.
type TokenOutcome struct {
	ID          string
	RunID       string
	TokenID     string
	Kind        OutcomeKind
	Terminal    bool
	SinkName    string
	ForkGroup   string
	JoinGroup   string
	ExpandGroup string
	ErrorHash   string
	BatchID     string
	RecordedAt  time.Time
}

// NewTokenOutcome validates the kind-specific companion contract and
// constructs an outcome. Terminal is derived from the kind, never passed in.
func NewTokenOutcome(id, runID, tokenID string, kind OutcomeKind, c Companions, at time.Time) (TokenOutcome, error) {
	if !kind.Valid() {
		return TokenOutcome{}, &ContractViolation{
			Entity: "token_outcome", Kind: string(kind),
			Field: "kind", Message: "unknown outcome kind",
		}
	}

	field := kind.companionField()
	if field != "" && c.get(field) == "" {
		return TokenOutcome{}, &ContractViolation{
			Entity: "token_outcome", Kind: string(kind), Field: field,
			Message: fmt.Sprintf("outcome kind %q requires companion field %q", kind, field),
		}
	}

	return TokenOutcome{
		ID:          id,
		RunID:       runID,
		TokenID:     tokenID,
		Kind:        kind,
		Terminal:    kind.Terminal(),
		SinkName:    c.SinkName,
		ForkGroup:   c.ForkGroup,
		JoinGroup:   c.JoinGroup,
		ExpandGroup: c.ExpandGroup,
		ErrorHash:   c.ErrorHash,
		BatchID:     c.BatchID,
		RecordedAt:  at,
	}, nil
}

// CheckStored validates an outcome read back from storage. A stored
// outcome violating the companion contract or whose terminal flag
// disagrees with its kind is corruption, not a write-path bug.
func (o TokenOutcome) CheckStored() error {
	if !o.Kind.Valid() {
		return &CorruptionError{
			Entity: "token_outcome", RecordID: o.ID,
			Invariant: fmt.Sprintf("unknown outcome kind %q", o.Kind),
		}
	}
	if o.Terminal != o.Kind.Terminal() {
		return &CorruptionError{
			Entity: "token_outcome", RecordID: o.ID,
			Invariant: fmt.Sprintf("is_terminal=%v disagrees with kind %q", o.Terminal, o.Kind),
		}
	}
	if field := o.Kind.companionField(); field != "" {
		c := Companions{
			SinkName: o.SinkName, ForkGroup: o.ForkGroup, JoinGroup: o.JoinGroup,
			ExpandGroup: o.ExpandGroup, ErrorHash: o.ErrorHash, BatchID: o.BatchID,
		}
		if c.get(field) == "" {
			return &CorruptionError{
				Entity: "token_outcome", RecordID: o.ID,
				Invariant: fmt.Sprintf("kind %q stored without companion field %q", o.Kind, field),
			}
		}
	}
	return nil
}
