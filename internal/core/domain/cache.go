package domain

import (
	"time"
)

// ChecksumAlgo identifies the digest algorithm a cache entry was written
// with. The algorithm is versioned into the entry so that entries written
// under the fallback hash still verify after the preferred hash becomes
// available; entries migrate to the preferred algorithm on rewrite.
type ChecksumAlgo string

const (
	ChecksumSHA256 ChecksumAlgo = "sha256"
	ChecksumFNV64a ChecksumAlgo = "fnv64a"
)

// CacheEntry is one persisted cache record. Checksum must equal a digest
// of Value under ChecksumAlgo, and Timestamp+TTL must be in the future for
// the entry to be considered fresh.
type CacheEntry struct {
	Key           string        `json:"key"`
	Value         string        `json:"value"`
	Timestamp     time.Time     `json:"timestamp"`
	TTL           time.Duration `json:"ttl"`
	Checksum      string        `json:"checksum"`
	ChecksumAlgo  ChecksumAlgo  `json:"checksum_algo,omitempty"`
	SchemaVersion int           `json:"schema_version"`
}

// Expired reports whether the entry's TTL window has elapsed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.Timestamp.Add(e.TTL).Before(now)
}

// CorruptionType classifies why a cache entry failed validation.
type CorruptionType string

const (
	CorruptionInvalidFormat    CorruptionType = "invalid_format"
	CorruptionMissingMetadata  CorruptionType = "missing_metadata"
	CorruptionExpiredData      CorruptionType = "expired_data"
	CorruptionChecksumMismatch CorruptionType = "checksum_mismatch"
	CorruptionStorageError     CorruptionType = "storage_error"
)

// RecoveryMethod names how a corrupted entry was repaired.
type RecoveryMethod string

const (
	RecoveryRemovedExpired   RecoveryMethod = "removed_expired"
	RecoveryRestoredBackup   RecoveryMethod = "restored_from_backup"
	RecoveryDataSalvaged     RecoveryMethod = "data_salvaged"
	RecoveryMetadataRestored RecoveryMethod = "metadata_restored"
	RecoveryNone             RecoveryMethod = ""
)

// CorruptionReport records one detected corruption and the recovery
// outcome. Reports are append-only with a capped history.
type CorruptionReport struct {
	Key            string         `json:"key"`
	Type           CorruptionType `json:"type"`
	Recovered      bool           `json:"recovered"`
	RecoveryMethod RecoveryMethod `json:"recovery_method,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}
