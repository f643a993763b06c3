package github

import (
	"context"
	"fmt"

	"github.com/sevigo/hookci/internal/core"
)

// LabelFetcher reads current PR labels through a ClientProvider. The
// dispatcher uses it as a side read when a payload did not carry labels but
// the catalog has label-gated jobs.
type LabelFetcher struct {
	provider ClientProvider
}

// NewLabelFetcher creates a LabelFetcher.
func NewLabelFetcher(provider ClientProvider) *LabelFetcher {
	return &LabelFetcher{provider: provider}
}

var _ core.LabelFetcher = (*LabelFetcher)(nil)

// Labels returns the current label set of the event's pull request.
func (f *LabelFetcher) Labels(ctx context.Context, event *core.Event) ([]string, error) {
	client, err := f.provider.For(ctx, event.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}
	return client.ListLabels(ctx, event.RepoOwner, event.RepoName, event.PRNumber)
}
