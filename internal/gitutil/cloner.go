// Package gitutil prepares Git working trees for job execution.
package gitutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"

	"github.com/go-git/go-git/v5"
)

// Client handles cloning and checking out repositories.
type Client struct {
	logger *slog.Logger
}

// NewClient returns a new Client instance.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// Clone clones a repository into a fresh temporary directory and checks out
// the given SHA. It returns the worktree path and a cleanup func. The git
// CLI does the network work; go-git verifies the result is a usable
// repository.
func (c *Client) Clone(ctx context.Context, repoURL, sha, token string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "hookci-workspace-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove workspace", "path", dir, "error", err)
		}
	}

	authURL, err := authenticatedURL(repoURL, token)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	c.logger.Info("cloning repository", "url", repoURL, "sha", sha, "path", dir)
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", authURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("git clone failed: %s: %w", string(out), err)
	}

	if sha != "" {
		checkout := exec.CommandContext(ctx, "git", "checkout", "--force", "--quiet", sha)
		checkout.Dir = dir
		if out, err := checkout.CombinedOutput(); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("git checkout %s failed: %s: %w", sha, string(out), err)
		}
	}

	if _, err := git.PlainOpen(dir); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("cloned repository is not usable: %w", err)
	}

	return dir, cleanup, nil
}

// authenticatedURL injects a token into an https clone URL. Credentials
// never end up in logs; only the original URL is logged.
func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid clone URL: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
