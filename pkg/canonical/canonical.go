// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 hashing for the kernel's tamper-evident chains.
//
// All event and bundle hashes in the kernel go through this package so that
// hash determinism has exactly one definition: marshal to JSON, canonicalize
// per RFC 8785 (sorted keys, no HTML escaping, preserved array order), hash.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json (honoring struct tags), then the
// intermediate document is transformed to canonical form. Nil values and
// absent optionals encode as null / omitted exactly as the intermediate
// marshal produced them, so canonical equality follows JSON equality.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns the canonical form as a string, for logs and fixtures.
func String(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
