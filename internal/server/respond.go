package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Error codes carried in the response envelope.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeMissingField        = "MISSING_FIELD"
	CodeInvalidType         = "INVALID_TYPE"
	CodeNotFound            = "NOT_FOUND"
	CodeTickerNotFound      = "TICKER_NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeDuplicateEntry      = "DUPLICATE_ENTRY"
	CodeAuthFailed          = "AUTHENTICATION_FAILED"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeProviderUnavailable = "DATA_PROVIDER_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
)

// FieldError points at one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// apiError is the error response envelope. Every error response
// carries the request id so operators can join logs to responses.
type apiError struct {
	Error       string       `json:"error"`
	ErrorCode   string       `json:"error_code"`
	RequestID   string       `json:"request_id"`
	FieldErrors []FieldError `json:"field_errors,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, fields ...FieldError) {
	s.writeJSON(w, status, apiError{
		Error:       message,
		ErrorCode:   code,
		RequestID:   middleware.GetReqID(r.Context()),
		FieldErrors: fields,
	})
}

// maxBodyBytes bounds request bodies; CSV import raises its own cap.
const maxBodyBytes = 64 * 1024

// decodeJSON reads a bounded JSON body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return err
		}
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "malformed JSON body")
		return err
	}
	return nil
}

// urlID parses the {id} route parameter.
func (s *Server) urlID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidInput, fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
