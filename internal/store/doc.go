// Package store is the SQLite-backed execution ledger. It is the single
// database of record for runs, topology, rows, tokens, states, outcomes,
// batches, audit detail, and checkpoints.
//
// Writes are append-or-advance only: entities are inserted once, status
// fields move through validated transitions, and nothing is deleted.
// Reads re-validate the variant and companion contracts so a corrupted
// ledger is detected at load time instead of producing defaulted fields.
package store
