package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Version tags the canonicalization algorithm. Stored on every run so a
// historical ledger can be re-verified with the algorithm that wrote it.
const Version = "weft-canon/1"

// Domain prefixes for content-addressed hashing. Distinct domains keep a
// config hash from ever colliding with a payload hash of the same bytes.
// The version suffix enables future algorithm migration.
const (
	DomainConfig   = "weft/config/v1"
	DomainOptions  = "weft/options/v1"
	DomainPayload  = "weft/payload/v1"
	DomainContract = "weft/contract/v1"
	DomainError    = "weft/error/v1"
	DomainTopology = "weft/topology/v1"
)

// Hash computes SHA-256 over domain-separated data.
// Format: SHA256(domain || 0x00 || data). The null separator prevents
// domain/data boundary ambiguity.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonically marshals a Value and hashes it under domain.
func HashValue(domain string, v Value) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return Hash(domain, data), nil
}

// HashAny converts an arbitrary Go value via FromGo and hashes it under domain.
func HashAny(domain string, v any) (string, error) {
	data, err := MarshalAny(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return Hash(domain, data), nil
}
