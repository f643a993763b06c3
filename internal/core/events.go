// Package core defines the domain types and interfaces shared by the
// ingestion, dispatch, and execution layers. These components are designed
// to be abstract, allowing for flexible and decoupled implementations of
// the orchestration logic.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v73/github"
)

// EventKind classifies a normalized webhook delivery.
type EventKind string

// Supported event kinds.
const (
	EventOpened      EventKind = "opened"
	EventSynchronize EventKind = "synchronize"
	EventReopened    EventKind = "reopened"
	EventClosed      EventKind = "closed"
	EventComment     EventKind = "comment"
	EventPush        EventKind = "push"
)

// PRKey identifies the unit of tracked state: one pull request in one
// repository.
type PRKey struct {
	RepoFullName string
	Number       int
}

func (k PRKey) String() string {
	return fmt.Sprintf("%s#%d", k.RepoFullName, k.Number)
}

// Event is the canonical, provider-independent view of a webhook delivery.
// All provider payload parsing happens at the ingestion edge; everything
// downstream of it works with this type only.
type Event struct {
	Provider     string
	DeliveryID   string
	Kind         EventKind
	RepoOwner    string
	RepoName     string
	RepoFullName string
	CloneURL     string

	// PRNumber is zero for push deliveries that do not reference a pull
	// request.
	PRNumber   int
	HeadSHA    string
	BaseBranch string
	Actor      string

	// CommentBody holds the raw comment text for comment events so the
	// dispatcher can extract user commands from it.
	CommentBody string

	// Labels is the label set carried by the payload. LabelsKnown is false
	// when the payload did not include labels, in which case label-gated
	// jobs need a side read from the hosting platform.
	Labels      []string
	LabelsKnown bool

	Merged         bool
	InstallationID int64
	ReceivedAt     time.Time
}

// Key returns the PR key this event belongs to.
func (e *Event) Key() PRKey {
	return PRKey{RepoFullName: e.RepoFullName, Number: e.PRNumber}
}

// EventFromPullRequest transforms a raw GitHub PullRequestEvent into the
// canonical Event. It acts as an anti-corruption layer, ensuring the payload
// carries everything the dispatcher needs before it enters the pipeline.
// Actions that do not drive job scheduling are rejected with
// ErrUnsupportedEventKind.
func EventFromPullRequest(event *github.PullRequestEvent, deliveryID string) (*Event, error) {
	var kind EventKind
	switch event.GetAction() {
	case "opened":
		kind = EventOpened
	case "synchronize":
		kind = EventSynchronize
	case "reopened":
		kind = EventReopened
	case "closed":
		kind = EventClosed
	default:
		return nil, fmt.Errorf("%w: pull_request action %q", ErrUnsupportedEventKind, event.GetAction())
	}

	repo := event.GetRepo()
	if err := validateRepo(repo); err != nil {
		return nil, err
	}

	pr := event.GetPullRequest()
	if pr == nil {
		return nil, fmt.Errorf("%w: pull_request payload has no pull request", ErrMalformedRequest)
	}
	number := event.GetNumber()
	if number <= 0 {
		number = pr.GetNumber()
	}
	if number <= 0 {
		return nil, fmt.Errorf("%w: invalid pull request number %d", ErrMalformedRequest, number)
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &Event{
		Provider:       "github",
		DeliveryID:     deliveryID,
		Kind:           kind,
		RepoOwner:      repo.GetOwner().GetLogin(),
		RepoName:       repo.GetName(),
		RepoFullName:   repo.GetFullName(),
		CloneURL:       repo.GetCloneURL(),
		PRNumber:       number,
		HeadSHA:        pr.GetHead().GetSHA(),
		BaseBranch:     pr.GetBase().GetRef(),
		Actor:          event.GetSender().GetLogin(),
		Labels:         labels,
		LabelsKnown:    true,
		Merged:         pr.GetMerged(),
		InstallationID: event.GetInstallation().GetID(),
		ReceivedAt:     time.Now(),
	}, nil
}

// EventFromIssueComment transforms a raw GitHub IssueCommentEvent into the
// canonical Event. Only created comments on pull requests are accepted;
// everything else is not a scheduling trigger.
func EventFromIssueComment(event *github.IssueCommentEvent, deliveryID string) (*Event, error) {
	if event.GetAction() != "created" {
		return nil, fmt.Errorf("%w: issue_comment action %q", ErrUnsupportedEventKind, event.GetAction())
	}
	if !event.GetIssue().IsPullRequest() {
		return nil, fmt.Errorf("%w: comment is not on a pull request", ErrUnsupportedEventKind)
	}

	repo := event.GetRepo()
	if err := validateRepo(repo); err != nil {
		return nil, err
	}

	number := event.GetIssue().GetNumber()
	if number <= 0 {
		return nil, fmt.Errorf("%w: invalid pull request number %d", ErrMalformedRequest, number)
	}

	labels := make([]string, 0, len(event.GetIssue().Labels))
	for _, l := range event.GetIssue().Labels {
		labels = append(labels, l.GetName())
	}

	return &Event{
		Provider:       "github",
		DeliveryID:     deliveryID,
		Kind:           EventComment,
		RepoOwner:      repo.GetOwner().GetLogin(),
		RepoName:       repo.GetName(),
		RepoFullName:   repo.GetFullName(),
		CloneURL:       repo.GetCloneURL(),
		PRNumber:       number,
		Actor:          event.GetComment().GetUser().GetLogin(),
		CommentBody:    event.GetComment().GetBody(),
		Labels:         labels,
		LabelsKnown:    true,
		InstallationID: event.GetInstallation().GetID(),
		ReceivedAt:     time.Now(),
	}, nil
}

// EventFromPush transforms a raw GitHub PushEvent into the canonical Event.
// Push deliveries carry no pull request number; the dispatcher decides
// whether anything tracks them.
func EventFromPush(event *github.PushEvent, deliveryID string) (*Event, error) {
	repo := event.GetRepo()
	if repo == nil || repo.GetFullName() == "" {
		return nil, fmt.Errorf("%w: push payload has no repository", ErrMalformedRequest)
	}

	branch := strings.TrimPrefix(event.GetRef(), "refs/heads/")

	return &Event{
		Provider:       "github",
		DeliveryID:     deliveryID,
		Kind:           EventPush,
		RepoOwner:      repo.GetOwner().GetLogin(),
		RepoName:       repo.GetName(),
		RepoFullName:   repo.GetFullName(),
		CloneURL:       repo.GetCloneURL(),
		HeadSHA:        event.GetAfter(),
		BaseBranch:     branch,
		Actor:          event.GetSender().GetLogin(),
		InstallationID: event.GetInstallation().GetID(),
		ReceivedAt:     time.Now(),
	}, nil
}

func validateRepo(repo *github.Repository) error {
	if repo == nil || repo.GetOwner() == nil || repo.GetOwner().GetLogin() == "" || repo.GetName() == "" {
		return fmt.Errorf("%w: repository or owner information is missing from the event", ErrMalformedRequest)
	}
	return nil
}
