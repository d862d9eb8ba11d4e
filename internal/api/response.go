package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"rag-backend/internal/models"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}

// statusFor maps an error kind to the HTTP status reported to clients.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidInput, models.KindNoDocumentsSelected:
		return http.StatusBadRequest
	case models.KindDocumentExists:
		return http.StatusConflict
	case models.KindExtractionFailure:
		return http.StatusUnprocessableEntity
	case models.KindEmbeddingUnavailable, models.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case models.KindCompletionUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError writes err as a JSON error. Server side failures are
// logged and their detail is not echoed back.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	code := string(kind)
	if code == "" {
		code = "internal_error"
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
		detail := "an internal error occurred"
		if status != http.StatusInternalServerError {
			detail = "a backing service is unavailable, try again later"
		}
		writeError(w, status, code, detail)
		return
	}
	log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	writeError(w, status, code, err.Error())
}
