package github

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v73/github"

	"github.com/sevigo/hookci/internal/core"
)

// Reporter publishes job state as GitHub check runs: queued when a run is
// enqueued, in_progress when a slot picks it up, and completed with a
// conclusion when its terminal result is applied.
type Reporter struct {
	provider ClientProvider
	logger   *slog.Logger

	mu        sync.Mutex
	checkRuns map[string]int64 // JobRun ID -> check run ID
}

// NewReporter creates a check-run backed StatusReporter.
func NewReporter(provider ClientProvider, logger *slog.Logger) *Reporter {
	return &Reporter{
		provider:  provider,
		logger:    logger,
		checkRuns: make(map[string]int64),
	}
}

var _ core.StatusReporter = (*Reporter)(nil)

// Queued creates the check run in "queued" state.
func (r *Reporter) Queued(ctx context.Context, run *core.JobRun) error {
	client, err := r.provider.For(ctx, run.InstallationID)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}

	opts := github.CreateCheckRunOptions{
		Name:    run.JobName,
		HeadSHA: run.HeadSHA,
		Status:  github.Ptr("queued"),
		Output: &github.CheckRunOutput{
			Title:   github.Ptr(fmt.Sprintf("%s queued", run.JobName)),
			Summary: github.Ptr("Waiting for a free worker slot."),
		},
	}
	checkRun, err := client.CreateCheckRun(ctx, run.RepoOwner, run.RepoName, opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.checkRuns[run.ID] = checkRun.GetID()
	r.mu.Unlock()
	return nil
}

// InProgress flips the run's check run to in_progress, creating it first if
// the queued report never landed.
func (r *Reporter) InProgress(ctx context.Context, run *core.JobRun) error {
	client, err := r.provider.For(ctx, run.InstallationID)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}

	title := fmt.Sprintf("%s running", run.JobName)
	summary := fmt.Sprintf("Attempt %d against %s.", run.Attempt, shortSHA(run.HeadSHA))

	if id, ok := r.checkRunID(run.ID); ok {
		_, err = client.UpdateCheckRun(ctx, run.RepoOwner, run.RepoName, id, github.UpdateCheckRunOptions{
			Name:   run.JobName,
			Status: github.Ptr("in_progress"),
			Output: &github.CheckRunOutput{Title: &title, Summary: &summary},
		})
		return err
	}

	checkRun, err := client.CreateCheckRun(ctx, run.RepoOwner, run.RepoName, github.CreateCheckRunOptions{
		Name:    run.JobName,
		HeadSHA: run.HeadSHA,
		Status:  github.Ptr("in_progress"),
		Output:  &github.CheckRunOutput{Title: &title, Summary: &summary},
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.checkRuns[run.ID] = checkRun.GetID()
	r.mu.Unlock()
	return nil
}

// Completed closes the run's check run with the conclusion mapped from the
// job outcome. Without a remembered check run ID (for example after a
// restart) a fresh completed run is created instead.
func (r *Reporter) Completed(ctx context.Context, res *core.JobResult) error {
	run := res.Run
	client, err := r.provider.For(ctx, run.InstallationID)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}

	conclusion := conclusionFor(res.Outcome)
	title, summary := describeResult(res)
	now := github.Timestamp{Time: time.Now()}

	id, tracked := r.checkRunID(run.ID)
	if tracked {
		_, err = client.UpdateCheckRun(ctx, run.RepoOwner, run.RepoName, id, github.UpdateCheckRunOptions{
			Name:        run.JobName,
			Status:      github.Ptr("completed"),
			Conclusion:  &conclusion,
			CompletedAt: &now,
			Output:      &github.CheckRunOutput{Title: &title, Summary: &summary},
		})
	} else {
		_, err = client.CreateCheckRun(ctx, run.RepoOwner, run.RepoName, github.CreateCheckRunOptions{
			Name:        run.JobName,
			HeadSHA:     run.HeadSHA,
			Status:      github.Ptr("completed"),
			Conclusion:  &conclusion,
			CompletedAt: &now,
			Output:      &github.CheckRunOutput{Title: &title, Summary: &summary},
		})
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.checkRuns, run.ID)
	r.mu.Unlock()
	return nil
}

// PostComment posts a general comment on the pull request.
func (r *Reporter) PostComment(ctx context.Context, event *core.Event, body string) error {
	client, err := r.provider.For(ctx, event.InstallationID)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}
	return client.CreateComment(ctx, event.RepoOwner, event.RepoName, event.PRNumber, body)
}

func (r *Reporter) checkRunID(runID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.checkRuns[runID]
	return id, ok
}

// conclusionFor maps job outcomes to GitHub check-run conclusions.
// Transient errors that exhausted their retry budget land as failure: from
// the reviewer's point of view the check did not pass.
func conclusionFor(outcome core.Outcome) string {
	switch outcome {
	case core.OutcomeSuccess:
		return "success"
	case core.OutcomeFailure, core.OutcomeError:
		return "failure"
	case core.OutcomeTimedOut:
		return "timed_out"
	case core.OutcomeCanceled:
		return "cancelled"
	case core.OutcomeSkipped:
		return "skipped"
	default:
		return "neutral"
	}
}

func describeResult(res *core.JobResult) (title, summary string) {
	run := res.Run
	switch res.Outcome {
	case core.OutcomeSuccess:
		title = fmt.Sprintf("%s passed", run.JobName)
		summary = fmt.Sprintf("Finished in %s against %s.", res.Duration.Round(time.Second), shortSHA(run.HeadSHA))
	case core.OutcomeFailure:
		title = fmt.Sprintf("%s failed", run.JobName)
		summary = fmt.Sprintf("Command exited non-zero against %s.", shortSHA(run.HeadSHA))
	case core.OutcomeTimedOut:
		title = fmt.Sprintf("%s timed out", run.JobName)
		summary = fmt.Sprintf("Exceeded the %s limit.", run.Spec.Timeout)
	case core.OutcomeError:
		title = fmt.Sprintf("%s errored", run.JobName)
		summary = fmt.Sprintf("Infrastructure error after %d attempt(s).", run.Attempt)
		if res.Err != nil {
			summary += fmt.Sprintf(" Last error: %v", res.Err)
		}
	default:
		title = fmt.Sprintf("%s %s", run.JobName, res.Outcome)
		summary = fmt.Sprintf("Run against %s ended as %s.", shortSHA(run.HeadSHA), res.Outcome)
	}
	return title, summary
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
