package core

import (
	"context"
	"time"
)

// Backoff describes a capped exponential backoff schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Delay returns the wait before the given retry attempt. Attempt counting
// starts at 1 for the first retry. Delays are non-decreasing and never
// exceed Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// JobSpec is the static definition of a runnable check: what triggers it,
// how to run it, and its timeout and retry policy. Specs are loaded from the
// job catalog at startup and never mutated afterwards.
type JobSpec struct {
	Name     string
	Triggers []EventKind

	// RequireLabel gates the job on a PR label. Empty means the job always
	// applies to its trigger kinds.
	RequireLabel string

	// Command is the argv executed by the job runner inside the prepared
	// workspace.
	Command []string

	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// TriggeredBy reports whether the spec runs for the given event kind.
func (s *JobSpec) TriggeredBy(kind EventKind) bool {
	for _, t := range s.Triggers {
		if t == kind {
			return true
		}
	}
	return false
}

// JobRun is one scheduled instance of a JobSpec targeting a specific commit.
// Seq is the enqueue sequence number for the (PR key, job name) pair; a run
// whose Seq is no longer the latest is stale and its result is discarded.
type JobRun struct {
	ID             string
	Key            PRKey
	RepoOwner      string
	RepoName       string
	CloneURL       string
	InstallationID int64

	JobName    string
	HeadSHA    string
	Seq        uint64
	Attempt    int
	EnqueuedAt time.Time

	Spec *JobSpec
}

// Outcome is the terminal classification of a JobRun attempt.
type Outcome string

// Job outcomes. OutcomeError marks transient infrastructure failures that
// are eligible for retry; OutcomeFailure is a legitimate negative result and
// is never retried.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeError    Outcome = "error"
	OutcomeCanceled Outcome = "canceled"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeSkipped  Outcome = "skipped"
)

// JobResult is the immutable outcome of one JobRun attempt.
type JobResult struct {
	Run      *JobRun
	Outcome  Outcome
	Duration time.Duration
	Output   string
	Err      error
}

// Runner executes one JobRun to completion. Implementations must honor
// context cancellation; the worker pool enforces the spec timeout through
// the context it passes in.
type Runner interface {
	Run(ctx context.Context, run *JobRun) JobResult
}

// EventDispatcher accepts normalized events for asynchronous processing.
// It decouples the webhook transport from the scheduling engine. Dispatch
// must return quickly; ErrQueueFull signals backpressure to the caller.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *Event) error
}

// StatusReporter publishes job state back to the hosting platform.
// Transient reporter failures are wrapped in ErrUpstreamUnavailable so the
// dispatcher can retry them with backoff.
type StatusReporter interface {
	Queued(ctx context.Context, run *JobRun) error
	InProgress(ctx context.Context, run *JobRun) error
	Completed(ctx context.Context, res *JobResult) error
	PostComment(ctx context.Context, event *Event, body string) error
}

// LabelFetcher reads the current label set of a pull request from the
// hosting platform. Failures are reported as ErrUpstreamUnavailable and must
// never escalate to a job failure.
type LabelFetcher interface {
	Labels(ctx context.Context, event *Event) ([]string, error)
}

// Health is the snapshot served by the health endpoint.
type Health struct {
	QueueDepth    int  `json:"queue_depth"`
	QueueCapacity int  `json:"queue_capacity"`
	BusySlots     int  `json:"busy_slots"`
	TotalSlots    int  `json:"total_slots"`
	TrackedPRs    int  `json:"tracked_prs"`
	Degraded      bool `json:"degraded"`
}

// HealthReporter exposes engine health for the liveness endpoint.
type HealthReporter interface {
	Health() Health
}
