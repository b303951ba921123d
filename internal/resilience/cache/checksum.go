package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// digest computes the checksum of a value under the given algorithm. The
// algorithm is versioned into each entry so values written under the
// fallback hash keep verifying after the preferred hash is in use.
func digest(algo domain.ChecksumAlgo, value string) string {
	switch algo {
	case domain.ChecksumFNV64a:
		h := fnv.New64a()
		_, _ = h.Write([]byte(value))
		return fmt.Sprintf("%016x", h.Sum64())
	default:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])
	}
}

// checksumValid verifies an entry's recorded checksum. Entries written
// before algorithm versioning carry no algo tag; those are accepted if
// either known algorithm reproduces the digest.
func checksumValid(e *domain.CacheEntry) bool {
	if e.Checksum == "" {
		return false
	}
	if e.ChecksumAlgo != "" {
		return digest(e.ChecksumAlgo, e.Value) == e.Checksum
	}
	return digest(domain.ChecksumSHA256, e.Value) == e.Checksum ||
		digest(domain.ChecksumFNV64a, e.Value) == e.Checksum
}
