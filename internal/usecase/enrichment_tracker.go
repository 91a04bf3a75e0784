package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/adapter"
	"crm-enrichment/internal/infra/metrics"
)

var _ adapter.PollSink = (*EnrichmentTracker)(nil)

// TrackerConfig wires one tracker. Budget is fixed for the tracker's lifetime.
type TrackerConfig struct {
	Workflow  string
	Key       string
	Budget    model.RetryBudget
	Resolver  StateResolver
	Submitter adapter.JobSubmitter
	Poller    adapter.Poller
	Logger    *zerolog.Logger

	// Optional; tests override these.
	Now   func() time.Time
	NewID func() string
}

// EnrichmentTracker is the state machine behind one enrichment/extraction widget:
//
//	idle -> processing -> enriched | unenriched | timeout | error
//	any  -> idle (Reset)
//
// All state lives behind mu. The poll goroutine reaches the tracker only through
// OnPollResult and OnTimeout, which drop anything not tagged with the current handle.
// Callbacks run after mu is released and must not call Close.
type EnrichmentTracker struct {
	workflow  string
	key       string
	budget    model.RetryBudget
	resolver  StateResolver
	submitter adapter.JobSubmitter
	poller    adapter.Poller
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	state        model.TrackerState
	gen          uint64
	handle       *model.TrackingHandle // live only while processing
	lastHandle   *model.TrackingHandle
	cycle        adapter.PollCycle
	cancelSubmit context.CancelFunc
	payload      json.RawMessage
	attempts     int
	lastErr      error
	version      uint64
	updatedAt    time.Time
	closed       bool

	onSuccess    []func(model.Snapshot)
	onError      []func(model.Snapshot, error)
	onReset      []func(model.Snapshot)
	onTransition []func(from model.TrackerState, snap model.Snapshot)
}

func NewEnrichmentTracker(cfg TrackerConfig) (*EnrichmentTracker, error) {
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.Submitter == nil || cfg.Poller == nil {
		return nil, fmt.Errorf("%w: tracker needs a submitter and a poller", domain.ErrInvalidArgument)
	}
	if cfg.Resolver.FoundPath == "" {
		cfg.Resolver = NewStateResolver("")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ulid.Make().String() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EnrichmentTracker{
		workflow:   cfg.Workflow,
		key:        cfg.Key,
		budget:     cfg.Budget,
		resolver:   cfg.Resolver,
		submitter:  cfg.Submitter,
		poller:     cfg.Poller,
		log:        log.With().Str("workflow", cfg.Workflow).Str("tracker_key", cfg.Key).Logger(),
		now:        cfg.Now,
		newID:      cfg.NewID,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      model.TrackerStateIdle,
		updatedAt:  cfg.Now(),
	}, nil
}

// ---- callback registration ----

func (t *EnrichmentTracker) OnSuccess(fn func(model.Snapshot)) {
	t.mu.Lock()
	t.onSuccess = append(t.onSuccess, fn)
	t.mu.Unlock()
}

// OnError fires for the error and timeout states; snap.State tells them apart.
func (t *EnrichmentTracker) OnError(fn func(model.Snapshot, error)) {
	t.mu.Lock()
	t.onError = append(t.onError, fn)
	t.mu.Unlock()
}

func (t *EnrichmentTracker) OnReset(fn func(model.Snapshot)) {
	t.mu.Lock()
	t.onReset = append(t.onReset, fn)
	t.mu.Unlock()
}

// OnTransition fires on every state change, including processing -> processing
// on a resubmission. It runs after the state-specific callbacks.
func (t *EnrichmentTracker) OnTransition(fn func(from model.TrackerState, snap model.Snapshot)) {
	t.mu.Lock()
	t.onTransition = append(t.onTransition, fn)
	t.mu.Unlock()
}

// ---- read side ----

func (t *EnrichmentTracker) State() model.TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Payload returns the payload of the last enriched result, or nil.
func (t *EnrichmentTracker) Payload() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payload
}

func (t *EnrichmentTracker) Snapshot() model.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *EnrichmentTracker) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Workflow:  t.workflow,
		Key:       t.key,
		State:     t.state,
		Message:   t.state.Message(),
		Payload:   t.payload,
		Attempts:  t.attempts,
		Version:   t.version,
		UpdatedAt: t.updatedAt,
	}
	if t.lastHandle != nil {
		h := *t.lastHandle
		snap.Handle = &h
	}
	if t.lastErr != nil {
		snap.LastError = t.lastErr.Error()
	}
	return snap
}

// ---- transitions ----

// Submit starts a new job. Any running poll cycle or in-flight submission is
// cancelled first and its handle invalidated. A failed submission lands in the
// error state without ever starting a poller.
func (t *EnrichmentTracker) Submit(ctx context.Context, request json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrTrackerClosed
	}
	t.stopLocked()
	t.gen++
	gen := t.gen
	subCtx, cancel := context.WithCancel(ctx)
	t.cancelSubmit = cancel
	t.payload, t.attempts, t.lastErr, t.lastHandle = nil, 0, nil, nil
	notes := t.transitionLocked(model.TrackerStateProcessing)
	t.mu.Unlock()
	notify(notes)

	jobID, err := t.submitter.Submit(subCtx, request)
	cancel()
	if err == nil && strings.TrimSpace(jobID) == "" {
		err = fmt.Errorf("%w: backend returned an empty job id", domain.ErrSubmissionRejected)
	}

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		t.log.Debug().Str("job_id", jobID).Msg("submission finished after being superseded; discarding")
		return domain.ErrSuperseded
	}
	t.cancelSubmit = nil

	if err != nil {
		if !errors.Is(err, domain.ErrSubmissionRejected) && !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %v", domain.ErrSubmissionRejected, err)
		}
		t.lastErr = err
		t.log.Warn().Err(err).Msg("submission failed")
		notes = t.transitionLocked(model.TrackerStateError)
		t.mu.Unlock()
		notify(notes)
		return err
	}

	handle := model.TrackingHandle{
		ID:          t.newID(),
		JobID:       jobID,
		Workflow:    t.workflow,
		SubmittedAt: t.now(),
	}
	t.handle = &handle
	t.lastHandle = &handle
	t.touchLocked()
	t.cycle = t.poller.Start(t.baseCtx, handle, t.budget, t)
	t.log.Info().Str("handle_id", handle.ID).Str("job_id", jobID).Msg("job submitted; polling")
	t.mu.Unlock()
	return nil
}

// Fail records an error raised outside the poll cycle, e.g. a request rejected by
// the caller's own validation before anything reached the backend.
func (t *EnrichmentTracker) Fail(err error) {
	if err == nil {
		err = domain.ErrSubmissionRejected
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.gen++
	t.lastErr = err
	notes := t.transitionLocked(model.TrackerStateError)
	t.mu.Unlock()
	notify(notes)
}

// Reset returns to idle from any state, discarding the handle and cancelling
// polling. Results that arrive afterwards are ignored.
func (t *EnrichmentTracker) Reset() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.gen++
	t.payload, t.attempts, t.lastErr, t.lastHandle = nil, 0, nil, nil
	notes := t.transitionLocked(model.TrackerStateIdle)
	t.mu.Unlock()
	notify(notes)
}

// OnPollResult implements adapter.PollSink. It returns true when the cycle that
// produced res should stop, which includes results for a stale handle.
func (t *EnrichmentTracker) OnPollResult(res model.PollResult) bool {
	t.mu.Lock()
	if !t.isCurrentLocked(res.HandleID) {
		t.mu.Unlock()
		t.log.Debug().Str("handle_id", res.HandleID).Int("attempt", res.Attempt).Msg("discarding stale poll result")
		return true
	}
	t.attempts = res.Attempt

	d := t.resolver.Resolve(res)
	var notes []func()
	switch d.Kind {
	case model.DirectiveContinue:
		t.touchLocked()
		t.mu.Unlock()
		return false
	case model.DirectiveEnriched:
		t.payload = d.Payload
		notes = t.finishLocked(model.TrackerStateEnriched, nil)
	case model.DirectiveUnenriched:
		notes = t.finishLocked(model.TrackerStateUnenriched, nil)
	default:
		err := fmt.Errorf("%w: %s", domain.ErrJobFailed, d.Reason)
		if !res.Status.IsKnown() {
			err = fmt.Errorf("%w: %q", domain.ErrUnrecognizedStatus, string(res.Status))
			t.log.Error().Str("status", string(res.Status)).RawJSON("payload", safeJSON(res.Payload)).
				Msg("backend returned an unrecognized job status; failing closed")
		}
		notes = t.finishLocked(model.TrackerStateError, err)
	}
	t.mu.Unlock()
	notify(notes)
	return true
}

// OnTimeout implements adapter.PollSink.
func (t *EnrichmentTracker) OnTimeout(handle model.TrackingHandle) {
	t.mu.Lock()
	if !t.isCurrentLocked(handle.ID) {
		t.mu.Unlock()
		return
	}
	notes := t.finishLocked(model.TrackerStateTimeout, domain.ErrPollTimeout)
	t.mu.Unlock()
	notify(notes)
}

// Close cancels everything and waits for the poll goroutine to exit. The tracker
// rejects further submissions.
func (t *EnrichmentTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cycle := t.cycle
	t.stopLocked()
	t.baseCancel()
	t.mu.Unlock()

	if cycle != nil {
		<-cycle.Done()
	}
}

// Idle reports how long the tracker has been outside processing, or false while
// it is processing.
func (t *EnrichmentTracker) Idle(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == model.TrackerStateProcessing {
		return 0, false
	}
	return now.Sub(t.updatedAt), true
}

func (t *EnrichmentTracker) isCurrentLocked(handleID string) bool {
	return !t.closed &&
		t.state == model.TrackerStateProcessing &&
		t.handle != nil &&
		t.handle.ID == handleID
}

// stopLocked cancels the poll cycle and any in-flight submission and drops the
// live handle. It never blocks.
func (t *EnrichmentTracker) stopLocked() {
	if t.cycle != nil {
		t.cycle.Cancel()
		t.cycle = nil
	}
	if t.cancelSubmit != nil {
		t.cancelSubmit()
		t.cancelSubmit = nil
	}
	t.handle = nil
}

func (t *EnrichmentTracker) finishLocked(to model.TrackerState, err error) []func() {
	t.stopLocked()
	t.lastErr = err
	return t.transitionLocked(to)
}

func (t *EnrichmentTracker) touchLocked() {
	t.version++
	t.updatedAt = t.now()
}

// transitionLocked moves to `to` and returns the callbacks to run once mu is released.
func (t *EnrichmentTracker) transitionLocked(to model.TrackerState) []func() {
	from := t.state
	t.state = to
	t.touchLocked()
	snap := t.snapshotLocked()

	metrics.IncTrackerTransition(t.workflow, string(to))
	ev := t.log.Info()
	if t.lastErr != nil {
		ev = ev.Err(t.lastErr)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Int("attempts", t.attempts).Msg("tracker transition")

	notes := make([]func(), 0, len(t.onTransition)+1)
	switch to {
	case model.TrackerStateEnriched:
		for _, fn := range t.onSuccess {
			notes = append(notes, func() { fn(snap) })
		}
	case model.TrackerStateError, model.TrackerStateTimeout:
		err := t.lastErr
		for _, fn := range t.onError {
			notes = append(notes, func() { fn(snap, err) })
		}
	case model.TrackerStateIdle:
		for _, fn := range t.onReset {
			notes = append(notes, func() { fn(snap) })
		}
	}
	for _, fn := range t.onTransition {
		notes = append(notes, func() { fn(from, snap) })
	}
	return notes
}

func notify(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}

func safeJSON(b json.RawMessage) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return []byte("null")
	}
	return b
}
