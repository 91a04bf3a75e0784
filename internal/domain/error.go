package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid exec context")
	ErrReadDatabaseRow    = errors.New("could not read database row")
	ErrOperationFailed    = errors.New("operation failed")

	// Backend / tracker errors
	ErrTransport          = errors.New("transport error")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrJobFailed          = errors.New("job failed")
	ErrUnrecognizedStatus = errors.New("unrecognized job status")
	ErrPollTimeout        = errors.New("job did not finish within the retry budget")
	ErrUnknownWorkflow    = errors.New("unknown workflow")
	ErrTrackerClosed      = errors.New("tracker closed")
	ErrSuperseded         = errors.New("submission superseded by a reset or newer submission")
)
