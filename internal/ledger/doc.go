// Package ledger defines the entity model of the execution ledger: runs,
// nodes, rows, tokens, node states, batches, and token outcomes, together
// with the error taxonomy shared by every component.
//
// NodeState and TokenOutcome are tagged variants. Their factory functions
// enforce the field-presence and companion-field contracts at construction
// time; the decode paths re-enforce them on read and classify any
// violation as corruption.
package ledger
