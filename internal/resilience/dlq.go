package resilience

import (
	"encoding/json"
	"time"
)

// Dead-letter stages.
const (
	StageIngest = "ingest"
	StageMerge  = "merge"
)

// Dead-letter error types.
const (
	ErrorTypeValidation = "validation"
	ErrorTypeMerge      = "merge"
	ErrorTypeTransient  = "transient"
	ErrorTypePermanent  = "permanent"
)

// DLQEntry is an event or merge attempt that was set aside for operators.
type DLQEntry struct {
	ID           string          `json:"id"`
	Stage        string          `json:"stage"`
	TripID       string          `json:"trip_id,omitempty"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying dead letters.
type DLQFilter struct {
	Stage     string `json:"stage,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
// Validation and merge failures are never retried.
func (e *DLQEntry) CanRetry() bool {
	if e.ErrorType == ErrorTypeValidation || e.ErrorType == ErrorTypeMerge {
		return false
	}
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
