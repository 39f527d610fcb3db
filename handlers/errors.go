package handlers

import (
	"errors"
	"log"
	"net/http"

	"tunerhub/models"
)

// statusFor maps domain error kinds onto HTTP statuses. Tuner exhaustion is
// 503 because the client should retry once a seat frees up; a duplicate
// in-flight operation is 429 because retrying immediately cannot help.
// Upstream failures are 502 so callers can tell an appliance fault from a
// local one.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrNoTunersAvailable), errors.Is(err, models.ErrTunerBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDrmProtected):
		return http.StatusForbidden
	case errors.Is(err, models.ErrUpstreamUnavailable),
		errors.Is(err, models.ErrUpstreamUnreachable),
		errors.Is(err, models.ErrAuthExpired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
