package core

import "errors"

// Sentinel errors classifying failures across the pipeline. Callers use
// errors.Is against these to pick between reject, drop, retry, and skip.
var (
	// ErrUnauthorized means the webhook signature did not match the shared
	// secret. Rejected, never retried.
	ErrUnauthorized = errors.New("unauthorized: webhook signature mismatch")

	// ErrMalformedRequest means the payload or its signature header could
	// not be parsed. Rejected, never retried.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnsupportedEventKind marks deliveries the engine does not act on.
	// They are logged and dropped; the provider still gets a 2xx so it does
	// not redeliver.
	ErrUnsupportedEventKind = errors.New("unsupported event kind")

	// ErrUpstreamUnavailable marks transient dependency failures (label
	// reads, status reporting). Retried with backoff, never escalated to a
	// job failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrQueueFull signals ingestion backpressure; the transport maps it to
	// a retryable HTTP status so the provider redelivers later.
	ErrQueueFull = errors.New("event queue is full")
)
