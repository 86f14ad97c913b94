// Package canon implements canonical serialization and content-addressed
// hashing for the ledger.
//
// Every place the system needs verifiable identity (run configuration,
// row payloads, schema contracts, error details, graph topology) goes
// through this one implementation. Config hashing and payload hashing
// drifting apart would be a correctness bug, so there is exactly one
// canonical encoder.
//
// The encoding is RFC 8785-style canonical JSON:
//   - object keys sorted by UTF-16 code units
//   - strings NFC-normalized, no HTML escaping
//   - integers as-is, floats in shortest round-trip form
//   - NaN and Infinity are rejected
//
// Timestamps degrade to RFC 3339 strings at this boundary. That loss is
// deliberate: canonical bytes are for identity, and the recovery path
// restores value types through the source schema.
package canon
