package idempotency

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// DefaultTTL is how long a key deduplicates retries.
const DefaultTTL = 24 * time.Hour

// Record is unique per (Key, Endpoint) while unexpired.
type Record struct {
	ID             uuid.UUID
	Key            string
	Endpoint       string
	RequestHash    string
	ResponseBody   json.RawMessage
	ResponseStatus *int
	Status         Status
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

type OutcomeKind string

const (
	OutcomeConflict   OutcomeKind = "conflict"
	OutcomeCompleted  OutcomeKind = "completed"
	OutcomeInProgress OutcomeKind = "in_progress"
)

// Outcome tells a caller holding an existing record what to do instead of
// executing the operation again.
type Outcome struct {
	Kind           OutcomeKind
	ResponseBody   json.RawMessage
	ResponseStatus int
}
