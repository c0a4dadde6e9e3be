package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// hashTruncateAt bounds the prefix of normalized text fed to the content
// hash. Long texts additionally contribute a trailing-segment marker so two
// memories that differ only after the boundary still hash apart.
const (
	hashTruncateAt = 200
	trailingLen    = 32
)

// contentHash produces the cross-source dedup key for a memory, or "" when
// the memory has no text (null-hashed memories always pass through).
func contentHash(m *contracts.TypedMemory) string {
	norm := normalizeWhitespace(m.Content.Text)
	if norm == "" {
		return ""
	}

	material := string(m.Metadata.MemoryType) + "|"
	if len(norm) <= hashTruncateAt {
		material += norm
	} else {
		tail := norm[len(norm)-trailingLen:]
		material += fmt.Sprintf("%s#len=%d:%s", norm[:hashTruncateAt], len(norm), tail)
	}

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// normalizeWhitespace collapses runs of whitespace to single spaces and
// trims, so formatting differences do not defeat dedup.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dedupe keeps first occurrence per content hash, preserving order.
func dedupe(memories []*contracts.TypedMemory) []*contracts.TypedMemory {
	seen := make(map[string]bool, len(memories))
	out := make([]*contracts.TypedMemory, 0, len(memories))
	for _, m := range memories {
		h := contentHash(m)
		if h != "" {
			if seen[h] {
				continue
			}
			seen[h] = true
		}
		out = append(out, m)
	}
	return out
}
