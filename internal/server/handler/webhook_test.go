package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/hookci/internal/core"
)

const testSecret = "webhook-secret"

type captureDispatcher struct {
	events []*core.Event
	err    error
}

func (c *captureDispatcher) Dispatch(_ context.Context, event *core.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const openedPayload = `{
	"action": "opened",
	"number": 42,
	"repository": {
		"name": "widgets",
		"full_name": "acme/widgets",
		"clone_url": "https://github.com/acme/widgets.git",
		"owner": {"login": "acme"}
	},
	"pull_request": {
		"number": 42,
		"head": {"sha": "a1b2c3"},
		"base": {"ref": "main"}
	},
	"sender": {"login": "dev"}
}`

func newWebhookRequest(event, signature string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func testHandler(d core.EventDispatcher) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(testSecret, d, logger)
}

func TestWebhookAcceptsSignedPullRequestEvent(t *testing.T) {
	dispatcher := &captureDispatcher{}
	h := testHandler(dispatcher)

	body := []byte(openedPayload)
	req := newWebhookRequest("pull_request", sign(testSecret, body), body)
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, dispatcher.events, 1)

	ev := dispatcher.events[0]
	assert.Equal(t, core.EventOpened, ev.Kind)
	assert.Equal(t, "acme/widgets", ev.RepoFullName)
	assert.Equal(t, 42, ev.PRNumber)
	assert.Equal(t, "a1b2c3", ev.HeadSHA)
	assert.Equal(t, "delivery-1", ev.DeliveryID)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	dispatcher := &captureDispatcher{}
	h := testHandler(dispatcher)

	body := []byte(openedPayload)
	req := newWebhookRequest("pull_request", "", body)
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.events)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	dispatcher := &captureDispatcher{}
	h := testHandler(dispatcher)

	body := []byte(openedPayload)
	req := newWebhookRequest("pull_request", sign("wrong-secret", body), body)
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, dispatcher.events)
}

func TestWebhookIgnoresUnsupportedEvents(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
	}{
		{"unhandled event type", "watch", `{"action": "started"}`},
		{"unhandled pull_request action", "pull_request", `{
			"action": "labeled",
			"number": 42,
			"repository": {
				"name": "widgets",
				"full_name": "acme/widgets",
				"owner": {"login": "acme"}
			},
			"pull_request": {"number": 42}
		}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &captureDispatcher{}
			h := testHandler(dispatcher)

			body := []byte(tt.payload)
			req := newWebhookRequest(tt.event, sign(testSecret, body), body)
			rec := httptest.NewRecorder()

			h.Handle(rec, req)

			// Unsupported deliveries are acknowledged so the provider does
			// not redeliver them.
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "Event ignored")
			assert.Empty(t, dispatcher.events)
		})
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	dispatcher := &captureDispatcher{}
	h := testHandler(dispatcher)

	// A well-formed delivery for a supported action, but missing the pull
	// request object the engine needs.
	body := []byte(`{
		"action": "opened",
		"number": 42,
		"repository": {
			"name": "widgets",
			"full_name": "acme/widgets",
			"owner": {"login": "acme"}
		}
	}`)
	req := newWebhookRequest("pull_request", sign(testSecret, body), body)
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.events)
}

func TestWebhookSignalsBackpressure(t *testing.T) {
	dispatcher := &captureDispatcher{err: fmt.Errorf("cannot accept: %w", core.ErrQueueFull)}
	h := testHandler(dispatcher)

	body := []byte(openedPayload)
	req := newWebhookRequest("pull_request", sign(testSecret, body), body)
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookDerivesDeliveryIDWhenHeaderMissing(t *testing.T) {
	dispatcher := &captureDispatcher{}
	h := testHandler(dispatcher)

	body := []byte(openedPayload)
	req := newWebhookRequest("pull_request", sign(testSecret, body), body)
	req.Header.Del("X-GitHub-Delivery")
	rec := httptest.NewRecorder()

	h.Handle(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, dispatcher.events, 1)
	assert.NotEmpty(t, dispatcher.events[0].DeliveryID, "dedup needs a stable id even without the header")
}
