// Package runner executes job commands inside prepared repository
// workspaces. It is the engine's default Runner implementation; anything
// satisfying core.Runner can replace it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/gitutil"
)

// TokenSource mints a short-lived token for cloning a repository on behalf
// of an app installation.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// CommandRunner clones the run's repository at its target SHA into a
// temporary workspace and executes the spec's command there. Exit code zero
// is success, a non-zero exit is a legitimate failure, and anything that
// prevents the command from producing a verdict (clone errors, token
// errors, missing binaries) is a transient error eligible for retry.
type CommandRunner struct {
	git    *gitutil.Client
	tokens TokenSource
	logger *slog.Logger
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(git *gitutil.Client, tokens TokenSource, logger *slog.Logger) *CommandRunner {
	return &CommandRunner{git: git, tokens: tokens, logger: logger}
}

// Run executes one job run to completion. The context carries the worker
// pool's timeout; the command is killed when it expires.
func (r *CommandRunner) Run(ctx context.Context, run *core.JobRun) core.JobResult {
	if len(run.Spec.Command) == 0 {
		return core.JobResult{Run: run, Outcome: core.OutcomeSkipped}
	}

	token := ""
	if r.tokens != nil && run.InstallationID > 0 {
		t, err := r.tokens.Token(ctx, run.InstallationID)
		if err != nil {
			return errResult(run, fmt.Errorf("failed to mint clone token: %w", err))
		}
		token = t
	}

	dir, cleanup, err := r.git.Clone(ctx, run.CloneURL, run.HeadSHA, token)
	if err != nil {
		return errResult(run, fmt.Errorf("failed to prepare workspace: %w", err))
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, run.Spec.Command[0], run.Spec.Command[1:]...) //nolint:gosec // catalog commands are operator-supplied configuration
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"HOOKCI_REPO="+run.Key.RepoFullName,
		"HOOKCI_SHA="+run.HeadSHA,
		"HOOKCI_PR="+strconv.Itoa(run.Key.Number),
		"HOOKCI_JOB="+run.JobName,
		"HOOKCI_ATTEMPT="+strconv.Itoa(run.Attempt),
	)

	r.logger.Info("executing job command",
		"pr", run.Key, "job", run.JobName, "sha", run.HeadSHA, "attempt", run.Attempt)

	out, err := cmd.CombinedOutput()
	output := string(out)

	switch {
	case err == nil:
		return core.JobResult{Run: run, Outcome: core.OutcomeSuccess, Output: output}
	case isExitError(err):
		return core.JobResult{Run: run, Outcome: core.OutcomeFailure, Output: output, Err: err}
	default:
		// Start failures and context aborts: no verdict was produced. The
		// pool reclassifies timeout and cancellation from the context.
		return core.JobResult{Run: run, Outcome: core.OutcomeError, Output: output, Err: err}
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func errResult(run *core.JobRun, err error) core.JobResult {
	return core.JobResult{Run: run, Outcome: core.OutcomeError, Err: err}
}
