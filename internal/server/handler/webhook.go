// Package handler provides HTTP handlers for the HookCI service.
package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v73/github"

	"github.com/sevigo/hookci/internal/core"
)

// WebhookHandler verifies, parses, and normalizes incoming GitHub webhook
// deliveries, then hands them to the dispatcher. The request is acknowledged
// as soon as the event is queued; job execution never happens on this path.
type WebhookHandler struct {
	secret     []byte
	dispatcher core.EventDispatcher
	logger     *slog.Logger
}

// NewWebhookHandler creates a webhook handler bound to the shared secret
// and dispatcher.
func NewWebhookHandler(secret string, dispatcher core.EventDispatcher, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes one webhook delivery.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(github.SHA256SignatureHeader) == "" && r.Header.Get(github.SHA1SignatureHeader) == "" {
		h.logger.Warn("webhook delivery without signature header", "remote", r.RemoteAddr)
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Error("rejected webhook delivery", "error", fmt.Errorf("%w: %v", core.ErrUnauthorized, err))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	raw, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		h.logger.Error("could not parse webhook", "type", github.WebHookType(r), "error", err)
		http.Error(w, "Could not parse webhook", http.StatusBadRequest)
		return
	}

	deliveryID := github.DeliveryID(r)
	if deliveryID == "" {
		// Dedup needs a stable id even when the provider omits the header.
		sum := sha256.Sum256(payload)
		deliveryID = hex.EncodeToString(sum[:])
	}

	event, err := h.normalize(raw, deliveryID)
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedEventKind) {
			h.logger.Debug("ignoring webhook delivery", "reason", err.Error(), "delivery_id", deliveryID)
			_, _ = fmt.Fprint(w, "Event ignored")
			return
		}
		h.logger.Error("could not normalize webhook event", "delivery_id", deliveryID, "error", err)
		http.Error(w, "Malformed event payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		if errors.Is(err, core.ErrQueueFull) {
			h.logger.Warn("event queue full, asking provider to redeliver", "delivery_id", deliveryID)
			http.Error(w, "Event queue full, retry later", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to dispatch event", "delivery_id", deliveryID, "error", err)
		http.Error(w, "Failed to dispatch event", http.StatusInternalServerError)
		return
	}

	h.logger.Info("event accepted",
		"delivery_id", deliveryID, "kind", event.Kind, "repo", event.RepoFullName, "pr", event.PRNumber)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprint(w, "Event accepted")
}

// normalize maps provider payload types onto the canonical Event. Payload
// types the engine has no use for are reported as unsupported so the caller
// can acknowledge and drop them.
func (h *WebhookHandler) normalize(raw any, deliveryID string) (*core.Event, error) {
	switch e := raw.(type) {
	case *github.PullRequestEvent:
		return core.EventFromPullRequest(e, deliveryID)
	case *github.IssueCommentEvent:
		return core.EventFromIssueComment(e, deliveryID)
	case *github.PushEvent:
		return core.EventFromPush(e, deliveryID)
	default:
		return nil, fmt.Errorf("%w: %T", core.ErrUnsupportedEventKind, raw)
	}
}
