// Package cache validates persisted cache entries and repairs or discards
// the ones that fail structural, temporal, or integrity checks. Corruption
// is always handled locally; it is reported, never re-thrown to callers.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/storage"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
)

const backupSuffix = ".backup"

// Config holds cache detector settings.
type Config struct {
	Prefix           string        `yaml:"prefix"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	MinSchemaVersion int           `yaml:"min_schema_version"`
	// PreferredAlgo is the digest used for new writes. The strong hash is
	// the default; fnv64a is the fast fallback for platforms without a
	// crypto primitive.
	PreferredAlgo domain.ChecksumAlgo `yaml:"preferred_algo"`
	HistoryLimit  int                 `yaml:"history_limit"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	Prefix:           "cache:",
	DefaultTTL:       1 * time.Hour,
	MinSchemaVersion: 1,
	PreferredAlgo:    domain.ChecksumSHA256,
	HistoryLimit:     100,
}

// ScanReport is the result of one health scan over the cache namespace.
type ScanReport struct {
	TotalEntries     int       `json:"total_entries"`
	CorruptedEntries int       `json:"corrupted_entries"`
	HealthPercentage float64   `json:"health_percentage"`
	StorageUsage     int64     `json:"storage_usage_bytes"`
	ScannedAt        time.Time `json:"scanned_at"`
}

// Detector validates and repairs cache entries in the shared store.
type Detector struct {
	cfg   Config
	store storage.KeyValue

	mu      sync.Mutex
	reports []domain.CorruptionReport

	// At most one health scan runs at a time; concurrent callers wait for
	// and share the in-flight scan's result.
	scanMu   sync.Mutex
	scanning bool
	scanDone chan struct{}
	lastScan ScanReport
}

// NewDetector creates a detector over the given store.
func NewDetector(cfg Config, store storage.KeyValue) *Detector {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig.Prefix
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if cfg.MinSchemaVersion == 0 {
		cfg.MinSchemaVersion = DefaultConfig.MinSchemaVersion
	}
	if cfg.PreferredAlgo == "" {
		cfg.PreferredAlgo = DefaultConfig.PreferredAlgo
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}
	return &Detector{cfg: cfg, store: store}
}

// WriteEntry stores a value as a well-formed cache entry. The previous
// entry, when still intact, is kept as a same-key backup for checksum
// recovery. ttl <= 0 uses the configured default.
func (d *Detector) WriteEntry(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.cfg.DefaultTTL
	}
	entry := domain.CacheEntry{
		Key:           key,
		Value:         value,
		Timestamp:     time.Now(),
		TTL:           ttl,
		Checksum:      digest(d.cfg.PreferredAlgo, value),
		ChecksumAlgo:  d.cfg.PreferredAlgo,
		SchemaVersion: d.cfg.MinSchemaVersion,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if prev, ok, _ := d.store.Get(ctx, d.cfg.Prefix+key); ok {
		var prevEntry domain.CacheEntry
		if json.Unmarshal([]byte(prev), &prevEntry) == nil && checksumValid(&prevEntry) {
			if err := d.store.Set(ctx, d.cfg.Prefix+key+backupSuffix, prev); err != nil {
				slog.Debug("Backup write failed", "key", key, "error", err)
			}
		}
	}

	if err := d.store.Set(ctx, d.cfg.Prefix+key, string(data)); err != nil {
		// Storage write failures degrade to a recorded no-op per the
		// propagation policy; the caller keeps running without the cache.
		d.report(domain.CorruptionReport{
			Key:        key,
			Type:       domain.CorruptionStorageError,
			DetectedAt: time.Now(),
		})
		return nil
	}
	return nil
}

// ReadEntry returns the stored entry's value if the entry is present and
// passes validation.
func (d *Detector) ReadEntry(ctx context.Context, key string) (string, bool, error) {
	corrupted, err := d.Validate(ctx, key)
	if err != nil || corrupted {
		return "", false, err
	}
	raw, ok, err := d.store.Get(ctx, d.cfg.Prefix+key)
	if err != nil || !ok {
		return "", false, err
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Validate checks one entry and reports whether it was corrupted. Absence
// is not corruption. Detected corruption triggers exactly one recovery
// attempt and is recorded; the entry afterwards is either repaired or gone.
func (d *Detector) Validate(ctx context.Context, key string) (bool, error) {
	raw, ok, err := d.store.Get(ctx, d.cfg.Prefix+key)
	if err != nil {
		d.report(domain.CorruptionReport{
			Key:        key,
			Type:       domain.CorruptionStorageError,
			DetectedAt: time.Now(),
		})
		return true, nil
	}
	if !ok {
		return false, nil
	}

	ctype := d.classify(raw)
	if ctype == "" {
		return false, nil
	}

	metrics.CacheCorruptions.WithLabelValues(string(ctype)).Inc()
	recovered, method := d.recover(ctx, key, raw, ctype)
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	metrics.CacheRecoveries.WithLabelValues(string(method), outcome).Inc()
	d.report(domain.CorruptionReport{
		Key:            key,
		Type:           ctype,
		Recovered:      recovered,
		RecoveryMethod: method,
		DetectedAt:     time.Now(),
	})
	slog.Warn("Cache corruption detected",
		"key", key, "type", ctype, "recovered", recovered, "method", method)
	return true, nil
}

// classify returns the corruption type of a raw entry, or "" when intact.
func (d *Detector) classify(raw string) domain.CorruptionType {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return domain.CorruptionInvalidFormat
	}
	if _, ok := fields["key"]; !ok {
		return domain.CorruptionMissingMetadata
	}
	if _, ok := fields["timestamp"]; !ok {
		return domain.CorruptionMissingMetadata
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return domain.CorruptionInvalidFormat
	}
	if entry.SchemaVersion != 0 && entry.SchemaVersion < d.cfg.MinSchemaVersion {
		return domain.CorruptionInvalidFormat
	}
	if entry.Expired(time.Now()) {
		return domain.CorruptionExpiredData
	}
	if entry.Checksum != "" && !checksumValid(&entry) {
		return domain.CorruptionChecksumMismatch
	}
	return ""
}

// salvageValue extracts the value field from damaged raw text: a JSON
// object parse first, then a lenient regex over the raw bytes.
var valuePattern = regexp.MustCompile(`"value"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func salvageValue(raw string) (string, bool) {
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(raw), &fields) == nil {
		if v, ok := fields["value"]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil {
				return s, true
			}
		}
		return "", false
	}
	if m := valuePattern.FindStringSubmatch(raw); m != nil {
		var s string
		if json.Unmarshal([]byte(`"`+m[1]+`"`), &s) == nil {
			return s, true
		}
	}
	return "", false
}

// recover runs exactly one repair, chosen by priority: drop expired
// entries, restore from a verified backup, rebuild from a salvaged value,
// or synthesize missing metadata.
func (d *Detector) recover(ctx context.Context, key, raw string, ctype domain.CorruptionType) (bool, domain.RecoveryMethod) {
	switch ctype {
	case domain.CorruptionExpiredData:
		if err := d.store.Delete(ctx, d.cfg.Prefix+key); err != nil {
			return false, domain.RecoveryNone
		}
		return true, domain.RecoveryRemovedExpired

	case domain.CorruptionChecksumMismatch:
		if backup, ok, _ := d.store.Get(ctx, d.cfg.Prefix+key+backupSuffix); ok {
			var entry domain.CacheEntry
			if json.Unmarshal([]byte(backup), &entry) == nil && checksumValid(&entry) {
				if d.store.Set(ctx, d.cfg.Prefix+key, backup) == nil {
					return true, domain.RecoveryRestoredBackup
				}
			}
		}
		fallthrough

	case domain.CorruptionInvalidFormat:
		if value, ok := salvageValue(raw); ok {
			if d.WriteEntry(ctx, key, value, 0) == nil {
				return true, domain.RecoveryDataSalvaged
			}
		}
		return false, domain.RecoveryNone

	case domain.CorruptionMissingMetadata:
		if value, ok := salvageValue(raw); ok {
			if d.WriteEntry(ctx, key, value, 0) == nil {
				return true, domain.RecoveryMetadataRestored
			}
		}
		return false, domain.RecoveryNone
	}
	return false, domain.RecoveryNone
}

// PerformHealthScan validates every cache-namespaced entry. Concurrent
// invocations collapse into the single in-flight scan and share its
// result.
func (d *Detector) PerformHealthScan(ctx context.Context) (ScanReport, error) {
	d.scanMu.Lock()
	if d.scanning {
		done := d.scanDone
		d.scanMu.Unlock()
		<-done
		d.scanMu.Lock()
		report := d.lastScan
		d.scanMu.Unlock()
		return report, nil
	}
	d.scanning = true
	d.scanDone = make(chan struct{})
	d.scanMu.Unlock()

	report, err := d.scan(ctx)

	d.scanMu.Lock()
	d.scanning = false
	d.lastScan = report
	close(d.scanDone)
	d.scanMu.Unlock()
	return report, err
}

func (d *Detector) scan(ctx context.Context) (ScanReport, error) {
	report := ScanReport{ScannedAt: time.Now()}

	keys, err := d.store.Keys(ctx, d.cfg.Prefix)
	if err != nil {
		return report, err
	}
	for _, fullKey := range keys {
		key := fullKey[len(d.cfg.Prefix):]
		if len(key) > len(backupSuffix) && key[len(key)-len(backupSuffix):] == backupSuffix {
			continue
		}
		raw, ok, err := d.store.Get(ctx, fullKey)
		if err != nil || !ok {
			continue
		}
		report.TotalEntries++
		report.StorageUsage += int64(len(raw))
		if corrupted, _ := d.Validate(ctx, key); corrupted {
			report.CorruptedEntries++
		}
	}
	if report.TotalEntries > 0 {
		report.HealthPercentage = 100 * float64(report.TotalEntries-report.CorruptedEntries) / float64(report.TotalEntries)
	} else {
		report.HealthPercentage = 100
	}
	metrics.CacheHealth.Set(report.HealthPercentage)
	return report, nil
}

// ForceCacheCleanup removes every entry currently corrupted or expired.
// Validate already deletes or repairs what it finds, so a full pass over
// the namespace is sufficient.
func (d *Detector) ForceCacheCleanup(ctx context.Context) error {
	keys, err := d.store.Keys(ctx, d.cfg.Prefix)
	if err != nil {
		return err
	}
	for _, fullKey := range keys {
		key := fullKey[len(d.cfg.Prefix):]
		if len(key) > len(backupSuffix) && key[len(key)-len(backupSuffix):] == backupSuffix {
			continue
		}
		raw, ok, _ := d.store.Get(ctx, fullKey)
		if !ok {
			continue
		}
		if ctype := d.classify(raw); ctype != "" {
			if err := d.store.Delete(ctx, fullKey); err != nil {
				slog.Warn("Cleanup delete failed", "key", key, "error", err)
			}
		}
	}
	return nil
}

func (d *Detector) report(r domain.CorruptionReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, r)
	if len(d.reports) > d.cfg.HistoryLimit {
		d.reports = d.reports[len(d.reports)-d.cfg.HistoryLimit:]
	}
}

// Reports returns a copy of the corruption report history, oldest first.
func (d *Detector) Reports() []domain.CorruptionReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.CorruptionReport, len(d.reports))
	copy(out, d.reports)
	return out
}

// LastScan returns the most recent health scan result, if any.
func (d *Detector) LastScan() (ScanReport, bool) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()
	return d.lastScan, !d.lastScan.ScannedAt.IsZero()
}
