package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tunerhub/models"
)

func TestStatusForMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", models.ErrNotFound, http.StatusNotFound},
		{"invalid argument", models.ErrInvalidArgument, http.StatusBadRequest},
		{"conflict", models.ErrConflict, http.StatusConflict},
		{"busy", models.ErrBusy, http.StatusTooManyRequests},
		{"no tuners", models.ErrNoTunersAvailable, http.StatusServiceUnavailable},
		{"tuner busy", models.ErrTunerBusy, http.StatusServiceUnavailable},
		{"drm", models.ErrDrmProtected, http.StatusForbidden},
		{"upstream unavailable", models.ErrUpstreamUnavailable, http.StatusBadGateway},
		{"upstream unreachable", models.ErrUpstreamUnreachable, http.StatusBadGateway},
		{"auth expired", models.ErrAuthExpired, http.StatusBadGateway},
		{"anything else", errors.New("disk exploded"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, statusFor(tt.err))
			// Wrapping must not change the mapping; services always wrap.
			wrapped := fmt.Errorf("episode 42: %w", tt.err)
			require.Equal(t, tt.want, statusFor(wrapped))
		})
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("channel 2.1: %w", models.ErrNoTunersAvailable))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Contains(t, body["error"], "channel 2.1")
}
