package adapter

import (
	"context"
	"encoding/json"

	"crm-enrichment/internal/domain/model"
)

// StatusResponse is one decoded answer of the backend status endpoint.
// Payload is the full response body so workflow-specific fields stay reachable.
type StatusResponse struct {
	Status  model.JobStatus
	Payload json.RawMessage
}

// StatusFetcher is the port for GET status(jobId).
// Errors must wrap domain.ErrTransport when the request itself failed.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (StatusResponse, error)
}

// JobSubmitter is the port that creates a backend job and returns its id.
// Errors wrap domain.ErrSubmissionRejected when the backend refused the request.
type JobSubmitter interface {
	Submit(ctx context.Context, request json.RawMessage) (string, error)
}

// WorkflowBackend bundles both operations for one workflow.
type WorkflowBackend interface {
	StatusFetcher
	JobSubmitter
}
