package ledger

import (
	"errors"
	"fmt"
)

// The ledger is first-party data. Anything read back from it that violates
// a structural invariant is a bug somewhere in this process, not an input
// to sanitize. The error types below keep the two worlds separate:
//
//   - ContractViolation, AuditIntegrityError: caller or framework bugs on
//     the write path. Always surfaced, never retried.
//   - CorruptionError, CheckpointCorruptionError: stored data failed a
//     structural or hash check on the read path. Fatal to the operation.
//   - IncompatibleCheckpointError: an expected operational condition (the
//     graph changed between runs). Carries a human-readable diff.

// ContractViolation reports a write missing a kind-mandated companion
// field, or carrying a field its variant forbids.
type ContractViolation struct {
	// Entity is "token_outcome" or "node_state".
	Entity string

	// Kind is the outcome kind or state status being written.
	Kind string

	// Field names the companion field that is missing or forbidden.
	Field string

	Message string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation: %s kind %q field %q: %s",
		e.Entity, e.Kind, e.Field, e.Message)
}

// AuditIntegrityError reports an operation that would violate a structural
// rule of the ledger, or a just-written record vanishing on re-read.
type AuditIntegrityError struct {
	Op      string
	RunID   string
	Message string
}

func (e *AuditIntegrityError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("audit integrity: %s: %s (run=%s)", e.Op, e.Message, e.RunID)
	}
	return fmt.Sprintf("audit integrity: %s: %s", e.Op, e.Message)
}

// CorruptionError reports stored ledger data that failed a structural or
// hash-integrity check on read. It identifies the exact record and the
// exact invariant violated.
type CorruptionError struct {
	Entity    string
	RecordID  string
	Invariant string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption: %s %s: %s", e.Entity, e.RecordID, e.Invariant)
}

// CheckpointCorruptionError reports a checkpoint body or its referenced
// contract that cannot be trusted. Resume must not proceed.
type CheckpointCorruptionError struct {
	RunID   string
	Message string
}

func (e *CheckpointCorruptionError) Error() string {
	return fmt.Sprintf("checkpoint corruption (run=%s): %s", e.RunID, e.Message)
}

// IncompatibleCheckpointError reports a checkpoint whose stored topology
// fingerprint does not match the current execution graph.
type IncompatibleCheckpointError struct {
	RunID       string
	StoredHash  string
	CurrentHash string

	// Diff is a human-readable description of what changed.
	Diff string
}

func (e *IncompatibleCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint incompatible with current graph (run=%s): %s", e.RunID, e.Diff)
}

// IsContractViolation reports whether err is (or wraps) a ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

// IsCorruption reports whether err is (or wraps) any corruption-class error.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return true
	}
	var cce *CheckpointCorruptionError
	return errors.As(err, &cce)
}

// IsAuditIntegrity reports whether err is (or wraps) an AuditIntegrityError.
func IsAuditIntegrity(err error) bool {
	var ae *AuditIntegrityError
	return errors.As(err, &ae)
}

// IsIncompatibleCheckpoint reports whether err is (or wraps) an
// IncompatibleCheckpointError.
func IsIncompatibleCheckpoint(err error) bool {
	var ie *IncompatibleCheckpointError
	return errors.As(err, &ie)
}
