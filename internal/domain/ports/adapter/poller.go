package adapter

import (
	"context"

	"crm-enrichment/internal/domain/model"
)

// PollSink receives the outcome of every poll tick.
type PollSink interface {
	// OnPollResult is called once per successful tick; returning true stops the cycle.
	OnPollResult(res model.PollResult) (stop bool)
	// OnTimeout is called instead of a further result when the budget ran out.
	OnTimeout(handle model.TrackingHandle)
}

// PollCycle is the cancellation capability returned by Poller.Start.
type PollCycle interface {
	// Cancel stops the cycle; it is idempotent and does not block.
	Cancel()
	// Done is closed once the cycle's goroutine has exited.
	Done() <-chan struct{}
}

type Poller interface {
	Start(ctx context.Context, handle model.TrackingHandle, budget model.RetryBudget, sink PollSink) PollCycle
}
