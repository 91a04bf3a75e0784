package model

import (
	"encoding/json"
	"fmt"
	"time"

	"crm-enrichment/internal/domain"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsKnown reports whether s is one of the statuses the backend contract defines.
func (s JobStatus) IsKnown() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// TrackingHandle identifies one in-flight backend job. ID is local and unique per
// submission, JobID is whatever the backend issued.
type TrackingHandle struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Workflow    string    `json:"workflow"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (h *TrackingHandle) IsZero() bool { return h == nil || h.ID == "" }

// PollResult is one status snapshot for a handle. Attempt counts successful polls only.
type PollResult struct {
	HandleID   string
	Status     JobStatus
	Payload    json.RawMessage
	Attempt    int
	ReceivedAt time.Time
}

// RetryBudget bounds a poll cycle.
type RetryBudget struct {
	Interval    time.Duration
	MaxAttempts int
	// MaxTransportFailures caps consecutive transport failures before the cycle
	// gives up. 0 means MaxAttempts, negative means unbounded.
	MaxTransportFailures int
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 30
)

func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Interval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts}
}

func (b RetryBudget) Validate() error {
	if b.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", domain.ErrInvalidArgument, b.MaxAttempts)
	}
	if b.Interval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0, got %s", domain.ErrInvalidArgument, b.Interval)
	}
	return nil
}

// TransportFailureLimit resolves MaxTransportFailures; ok is false when unbounded.
func (b RetryBudget) TransportFailureLimit() (limit int, ok bool) {
	switch {
	case b.MaxTransportFailures < 0:
		return 0, false
	case b.MaxTransportFailures == 0:
		return b.MaxAttempts, true
	default:
		return b.MaxTransportFailures, true
	}
}

// JobRecord is the audit row written once a tracked job reaches a terminal state.
type JobRecord struct {
	HandleID    string
	Workflow    string
	TrackerKey  string
	JobID       string
	State       TrackerState
	Attempts    int
	LastError   string
	Payload     json.RawMessage
	SubmittedAt time.Time
	FinishedAt  time.Time
}
