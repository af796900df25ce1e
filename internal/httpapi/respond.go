package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/credentials"
	"bizregistry.org/internal/obs"
)

var errEmptyBody = errors.New("request body is required")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writePayload(w, r, code, map[string]any{"error": msg})
}

func writePayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps lifecycle errors to responses. Ownership failures
// and missing resources share one 404 body.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *credentials.ValidationError
	switch {
	case errors.As(err, &verr):
		writePayload(w, r, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, credentials.ErrOwnershipDenied), errors.Is(err, credentials.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, credentials.ErrConflict):
		writeError(w, r, http.StatusConflict, "client is already registered")
	default:
		correlationID := uuid.NewString()
		obs.Logger().Error("request failed",
			zap.String("correlation_id", correlationID),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writePayload(w, r, http.StatusInternalServerError, map[string]any{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid request body")
}
