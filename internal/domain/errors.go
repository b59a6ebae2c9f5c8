package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrConnection             = errors.New("broker connection error")
	ErrNotConnected           = errors.New("broker not connected yet")
	ErrQueueConflict          = errors.New("queue declared with conflicting parameters")
	ErrAckFailure             = errors.New("acknowledgement rejected")
	ErrProcessing             = errors.New("work item processing failed")
	ErrPrefetchAfterSubscribe = errors.New("prefetch must be set before subscribing")
	ErrInvalidPrefetch        = errors.New("prefetch limit must be >= 0")
	ErrInvalidCount           = errors.New("count must be >= 0")
	ErrBurstTooLarge          = errors.New("burst exceeds the configured maximum")
	ErrBurstAborted           = errors.New("burst aborted before completion")
	ErrPayloadTooLarge        = errors.New("message exceeds maximum payload size")
	ErrNotFound               = errors.New("not found")
)
