package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"storefront/models"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeProblem writes an RFC 7807 response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://storefront.dev/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError classifies err against the error taxonomy. Details of internal
// errors are logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, models.ErrAuthentication):
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Authentication required")
	case errors.Is(err, models.ErrChecksum):
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Invalid checksum")
	case errors.Is(err, models.ErrForbidden):
		writeProblem(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, models.ErrStateConflict):
		writeProblem(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, models.ErrGatewayRejected):
		writeProblem(w, r, http.StatusBadGateway, "Bad Gateway", "The payment provider rejected the request")
	case errors.Is(err, models.ErrGatewayUnavailable):
		w.Header().Set("Retry-After", "5")
		writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", "The payment provider is unavailable, retry later")
	default:
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
