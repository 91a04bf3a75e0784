package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/adapter"
	"crm-enrichment/internal/infra/metrics"
)

var _ adapter.Poller = (*StatusPoller)(nil)

const (
	outcomeStopped   = "stopped"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// StatusPoller polls one workflow's status endpoint for tracked jobs. Every Start
// spawns one goroutine that ticks at the budget's interval until the sink asks it
// to stop, the budget runs out, or the cycle is cancelled.
type StatusPoller struct {
	workflow string
	fetcher  adapter.StatusFetcher
	limiter  *rate.Limiter // optional, shared across workflows
	log      *zerolog.Logger

	mu     sync.Mutex
	cycles map[string]*PollCycle
}

func NewStatusPoller(workflow string, fetcher adapter.StatusFetcher, limiter *rate.Limiter, log *zerolog.Logger) *StatusPoller {
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	return &StatusPoller{
		workflow: workflow,
		fetcher:  fetcher,
		limiter:  limiter,
		log:      log,
		cycles:   make(map[string]*PollCycle),
	}
}

// PollCycle is one running poll loop for a handle.
type PollCycle struct {
	handle   model.TrackingHandle
	cancel   context.CancelFunc
	done     chan struct{}
	attempts atomic.Int64
}

func (c *PollCycle) Cancel() { c.cancel() }

func (c *PollCycle) Done() <-chan struct{} { return c.done }

// Wait blocks until the cycle goroutine has exited.
func (c *PollCycle) Wait() { <-c.done }

// Attempts is the number of successful polls so far.
func (c *PollCycle) Attempts() int { return int(c.attempts.Load()) }

// Start begins polling handle.JobID. Calling Start again for a handle whose cycle
// is still running returns that cycle unchanged.
func (p *StatusPoller) Start(ctx context.Context, handle model.TrackingHandle, budget model.RetryBudget, sink adapter.PollSink) adapter.PollCycle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cycles[handle.ID]; ok {
		p.log.Debug().Str("handle_id", handle.ID).Msg("poll cycle already running; ignoring start")
		return c
	}

	if budget.Interval <= 0 {
		budget.Interval = model.DefaultPollInterval
	}
	if budget.MaxAttempts < 1 {
		budget.MaxAttempts = 1
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &PollCycle{handle: handle, cancel: cancel, done: make(chan struct{})}
	p.cycles[handle.ID] = c
	go p.run(cctx, c, budget, sink)
	return c
}

// Running reports how many cycles are live.
func (p *StatusPoller) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cycles)
}

func (p *StatusPoller) forget(c *PollCycle) {
	p.mu.Lock()
	if p.cycles[c.handle.ID] == c {
		delete(p.cycles, c.handle.ID)
	}
	p.mu.Unlock()
}

func (p *StatusPoller) run(ctx context.Context, c *PollCycle, budget model.RetryBudget, sink adapter.PollSink) {
	defer func() {
		c.cancel()
		p.forget(c)
		close(c.done)
	}()

	log := p.log.With().
		Str("workflow", p.workflow).
		Str("handle_id", c.handle.ID).
		Str("job_id", c.handle.JobID).
		Logger()

	limit, bounded := budget.TransportFailureLimit()
	attempt, failures := 0, 0
	outcome := outcomeCancelled
	defer func() {
		metrics.ObservePollCycle(p.workflow, outcome, attempt)
		log.Debug().Str("outcome", outcome).Int("attempts", attempt).Msg("poll cycle finished")
	}()

	ticker := time.NewTicker(budget.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		resp, err := p.fetcher.FetchStatus(ctx, c.handle.JobID)
		if ctx.Err() != nil {
			// Cancelled while the request was in flight; drop whatever came back.
			return
		}
		if err != nil {
			failures++
			metrics.IncPollTransportError(p.workflow)
			log.Warn().Err(err).Int("consecutive_failures", failures).Msg("status fetch failed; retrying on next tick")
			if bounded && failures >= limit {
				outcome = outcomeTimeout
				log.Warn().Int("consecutive_failures", failures).Msg("giving up after repeated transport failures")
				sink.OnTimeout(c.handle)
				return
			}
			continue
		}
		failures = 0

		attempt++
		c.attempts.Store(int64(attempt))
		metrics.IncPollTick(p.workflow, string(resp.Status))
		log.Debug().Int("attempt", attempt).Str("status", string(resp.Status)).Msg("poll tick")

		stop := sink.OnPollResult(model.PollResult{
			HandleID:   c.handle.ID,
			Status:     resp.Status,
			Payload:    resp.Payload,
			Attempt:    attempt,
			ReceivedAt: time.Now(),
		})
		if stop {
			outcome = outcomeStopped
			return
		}
		if attempt >= budget.MaxAttempts {
			outcome = outcomeTimeout
			sink.OnTimeout(c.handle)
			return
		}
	}
}
