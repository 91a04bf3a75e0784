//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"crm-enrichment/internal/domain"
)

// --- RetryBudget Tests ---

func TestRetryBudget_Validate(t *testing.T) {
	t.Run("should accept the default budget", func(t *testing.T) {
		if err := DefaultRetryBudget().Validate(); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
	})

	t.Run("should reject zero max attempts", func(t *testing.T) {
		err := RetryBudget{Interval: time.Second, MaxAttempts: 0}.Validate()
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, but got %v", err)
		}
	})

	t.Run("should reject a non-positive interval", func(t *testing.T) {
		err := RetryBudget{Interval: 0, MaxAttempts: 3}.Validate()
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, but got %v", err)
		}
	})
}

func TestRetryBudget_TransportFailureLimit(t *testing.T) {
	cases := []struct {
		name      string
		budget    RetryBudget
		wantLimit int
		wantOK    bool
	}{
		{"zero falls back to max attempts", RetryBudget{MaxAttempts: 5}, 5, true},
		{"explicit limit wins", RetryBudget{MaxAttempts: 5, MaxTransportFailures: 2}, 2, true},
		{"negative is unbounded", RetryBudget{MaxAttempts: 5, MaxTransportFailures: -1}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limit, ok := tc.budget.TransportFailureLimit()
			if limit != tc.wantLimit || ok != tc.wantOK {
				t.Errorf("expected (%d, %v), got (%d, %v)", tc.wantLimit, tc.wantOK, limit, ok)
			}
		})
	}
}

// --- TrackerState Tests ---

func TestTrackerState_IsTerminal(t *testing.T) {
	terminal := map[TrackerState]bool{
		TrackerStateIdle:       false,
		TrackerStateProcessing: false,
		TrackerStateEnriched:   true,
		TrackerStateUnenriched: true,
		TrackerStateTimeout:    true,
		TrackerStateError:      true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s: expected IsTerminal=%v, got %v", s, want, got)
		}
	}
}

func TestTrackerState_MessagesAreDistinct(t *testing.T) {
	seen := map[string]TrackerState{}
	for _, s := range []TrackerState{TrackerStateUnenriched, TrackerStateTimeout, TrackerStateError} {
		msg := s.Message()
		if msg == "" {
			t.Fatalf("%s has no message", s)
		}
		if other, dup := seen[msg]; dup {
			t.Fatalf("%s and %s share the message %q", s, other, msg)
		}
		seen[msg] = s
	}
}

func TestJobStatus_IsKnown(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
		if !s.IsKnown() {
			t.Errorf("expected %q to be known", s)
		}
	}
	if JobStatus("queued").IsKnown() {
		t.Error("expected 'queued' to be unknown")
	}
}

func TestSnapshot_Record(t *testing.T) {
	submitted := time.Now().Add(-time.Minute)
	finished := time.Now()
	snap := Snapshot{
		Workflow: "lead_enrichment",
		Key:      "lead-1",
		State:    TrackerStateEnriched,
		Handle:   &TrackingHandle{ID: "h1", JobID: "job-1", Workflow: "lead_enrichment", SubmittedAt: submitted},
		Attempts: 4,
	}

	rec := snap.Record(finished)
	if rec.HandleID != "h1" || rec.JobID != "job-1" {
		t.Errorf("expected handle ids to be copied, got %+v", rec)
	}
	if !rec.SubmittedAt.Equal(submitted) || !rec.FinishedAt.Equal(finished) {
		t.Errorf("timestamps not copied: %+v", rec)
	}
	if rec.State != TrackerStateEnriched || rec.Attempts != 4 {
		t.Errorf("state/attempts not copied: %+v", rec)
	}
}
