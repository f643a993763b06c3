package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/hookci/internal/core"
)

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(context.Context, *core.Event) error { return nil }

type stubHealth struct {
	health core.Health
}

func (s stubHealth) Health() core.Health { return s.health }

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		health     core.Health
		wantStatus string
	}{
		{
			name:       "healthy",
			health:     core.Health{QueueDepth: 3, QueueCapacity: 100, BusySlots: 2, TotalSlots: 8, TrackedPRs: 5},
			wantStatus: "ok",
		},
		{
			name:       "degraded",
			health:     core.Health{Degraded: true},
			wantStatus: "degraded",
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter("secret", stubDispatcher{}, stubHealth{health: tt.health}, logger)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status string `json:"status"`
				core.Health
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.health.QueueDepth, body.QueueDepth)
			assert.Equal(t, tt.health.TotalSlots, body.TotalSlots)
			assert.Equal(t, tt.health.Degraded, body.Degraded)
		})
	}
}
