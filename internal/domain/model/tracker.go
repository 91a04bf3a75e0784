package model

import (
	"encoding/json"
	"time"
)

type TrackerState string

const (
	TrackerStateIdle       TrackerState = "idle"
	TrackerStateProcessing TrackerState = "processing"
	TrackerStateEnriched   TrackerState = "enriched"
	TrackerStateUnenriched TrackerState = "unenriched"
	TrackerStateTimeout    TrackerState = "timeout"
	TrackerStateError      TrackerState = "error"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s TrackerState) IsTerminal() bool {
	switch s {
	case TrackerStateEnriched, TrackerStateUnenriched, TrackerStateTimeout, TrackerStateError:
		return true
	}
	return false
}

// Message is the user-facing text for s. Every terminal non-success state gets its own.
func (s TrackerState) Message() string {
	switch s {
	case TrackerStateIdle:
		return "Ready to submit."
	case TrackerStateProcessing:
		return "Working on it. Results will appear here shortly."
	case TrackerStateEnriched:
		return "Enrichment complete."
	case TrackerStateUnenriched:
		return "No matching data was found for this record."
	case TrackerStateTimeout:
		return "This is taking longer than expected. Please try again later."
	case TrackerStateError:
		return "Something went wrong while processing this request."
	default:
		return ""
	}
}

type DirectiveKind string

const (
	DirectiveContinue   DirectiveKind = "CONTINUE"
	DirectiveEnriched   DirectiveKind = "ENRICHED"
	DirectiveUnenriched DirectiveKind = "UNENRICHED"
	DirectiveError      DirectiveKind = "ERROR"
)

// Directive tells the tracker which transition a poll result calls for.
type Directive struct {
	Kind    DirectiveKind
	Payload json.RawMessage
	// Reason is set for ERROR directives.
	Reason string
}

// Snapshot is the read model handed to presentation code and persistence.
type Snapshot struct {
	Workflow  string          `json:"workflow"`
	Key       string          `json:"key"`
	State     TrackerState    `json:"state"`
	Message   string          `json:"message"`
	Handle    *TrackingHandle `json:"handle,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	// Version grows with every change so consumers can drop out-of-order copies.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record converts a terminal snapshot into an audit row.
func (s Snapshot) Record(finishedAt time.Time) *JobRecord {
	r := &JobRecord{
		Workflow:   s.Workflow,
		TrackerKey: s.Key,
		State:      s.State,
		Attempts:   s.Attempts,
		LastError:  s.LastError,
		Payload:    s.Payload,
		FinishedAt: finishedAt,
	}
	if s.Handle != nil {
		r.HandleID = s.Handle.ID
		r.JobID = s.Handle.JobID
		r.SubmittedAt = s.Handle.SubmittedAt
	}
	return r
}
