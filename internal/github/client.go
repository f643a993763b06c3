// Package github adapts the hosting platform API: authentication, label
// reads, check-run status reporting, and PR comments.
package github

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"

	"github.com/sevigo/hookci/internal/core"
)

// Client defines the GitHub operations the engine consumes: check runs,
// comments, and label reads.
type Client interface {
	ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error)
}

type gitHubClient struct {
	client *github.Client
	logger *slog.Logger
}

// NewClient wraps the official go-github client behind the focused Client
// interface.
func NewClient(client *github.Client, logger *slog.Logger) Client {
	return &gitHubClient{client: client, logger: logger}
}

// NewPATClient creates a Client authenticated with a personal access token.
// Useful for single-repository deployments and local development where an
// app installation is not available.
func NewPATClient(ctx context.Context, token string, logger *slog.Logger) Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &gitHubClient{client: github.NewClient(tc), logger: logger}
}

// ListLabels returns the current label names on a pull request. It pages
// through the full set; failures surface as ErrUpstreamUnavailable so
// callers treat them as transient.
func (g *gitHubClient) ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var names []string
	opts := &github.ListOptions{PerPage: 100}

	for {
		labels, resp, err := g.client.Issues.ListLabelsByIssue(ctx, owner, repo, number, opts)
		if err != nil {
			g.logger.Error("failed to list labels", "owner", owner, "repo", repo, "pr", number, "error", err)
			return nil, fmt.Errorf("%w: list labels: %v", core.ErrUpstreamUnavailable, err)
		}
		for _, l := range labels {
			names = append(names, l.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// CreateComment creates a new comment on a pull request.
func (g *gitHubClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	comment := &github.IssueComment{Body: &body}
	_, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		g.logger.Error("failed to create comment", "owner", owner, "repo", repo, "pr", number, "error", err)
		return fmt.Errorf("%w: create comment: %v", core.ErrUpstreamUnavailable, err)
	}
	return nil
}

// CreateCheckRun creates a new check run.
func (g *gitHubClient) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	checkRun, _, err := g.client.Checks.CreateCheckRun(ctx, owner, repo, opts)
	if err != nil {
		g.logger.Error("failed to create check run", "owner", owner, "repo", repo, "name", opts.Name, "error", err)
		return nil, fmt.Errorf("%w: create check run: %v", core.ErrUpstreamUnavailable, err)
	}
	return checkRun, nil
}

// UpdateCheckRun updates an existing check run.
func (g *gitHubClient) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	checkRun, _, err := g.client.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
	if err != nil {
		g.logger.Error("failed to update check run", "owner", owner, "repo", repo, "check_run_id", checkRunID, "error", err)
		return nil, fmt.Errorf("%w: update check run: %v", core.ErrUpstreamUnavailable, err)
	}
	return checkRun, nil
}
