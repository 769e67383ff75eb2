package models

import "time"

// Parse error kinds.
const (
	ParseErrorRecoverable   = "recoverable"
	ParseErrorUnrecoverable = "unrecoverable"
	ParseErrorLowConfidence = "low_confidence"
)

// Dead letter statuses.
const (
	DeadLetterPending  = "pending"
	DeadLetterResolved = "resolved"
)

// ParseDeadLetter is one unrecoverable or exhausted parse failure awaiting
// manual replay. Created by the parse router, mutated only by replay.
type ParseDeadLetter struct {
	ID              string         `json:"id"`
	SourceRowID     string         `json:"source_row_id" badgerhold:"index"`
	SourcePlatform  string         `json:"source_platform"`
	SourceID        string         `json:"source_id"`
	ContentHash     string         `json:"content_hash"`
	SchemaVersion   string         `json:"schema_version"`
	ErrorKind       string         `json:"error_kind"`
	ErrorCode       string         `json:"error_code"`
	ErrorMessage    string         `json:"error_message"`
	Retryable       bool           `json:"retryable"`
	Attempts        int            `json:"attempts"`
	Status          string         `json:"status" badgerhold:"index"`
	PayloadSnapshot map[string]any `json:"payload_snapshot"`
	CreatedAt       time.Time      `json:"created_at"`
	ReplayedAt      *time.Time     `json:"replayed_at"`
}

// ParseCacheEntry caches a validated parse result by content hash and schema
// version so identical content never re-invokes the parser.
type ParseCacheEntry struct {
	ContentHash   string         `json:"content_hash" badgerhold:"index"`
	SchemaVersion string         `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	Confidence    float64        `json:"confidence"`
	HitCount      int            `json:"hit_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CacheKey returns the unique storage key for (content_hash, schema_version).
func (e *ParseCacheEntry) CacheKey() string {
	return ParseCacheKey(e.ContentHash, e.SchemaVersion)
}

// ParseCacheKey builds the cache key for a content hash and schema version.
func ParseCacheKey(contentHash, schemaVersion string) string {
	return contentHash + ":" + schemaVersion
}
