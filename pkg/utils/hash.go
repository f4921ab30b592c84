package utils

import (
	"crypto/sha256"
	"fmt"
)

// ContentHash identifies a snapshot payload. Identical payloads always map
// to the same hash, which is what the evidence store deduplicates on.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum)
}

// EvidenceChecksum is computed over the exact evidence quote at staging time
// and re-checked during lineage verification.
func EvidenceChecksum(evidence string) string {
	sum := sha256.Sum256([]byte(evidence))
	return fmt.Sprintf("%x", sum)
}
