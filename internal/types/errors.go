package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Common errors. The broker's taxonomy: validation and authorization errors
// are rejected before any state changes; conflict errors mean the caller
// holds a stale view and must re-fetch.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
)

// ValidationError carries field-level messages for a rejected input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError from field messages.
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// WriteHTTPError writes an error to the response writer, mapping the broker
// taxonomy onto status codes when no explicit HTTPError is wrapped.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var herr HTTPError
	if errors.As(err, &herr) {
		http.Error(w, herr.Msg, herr.Code)
		log.Error().Err(herr.Err).Int("code", herr.Code).Msgf("user msg: %s", herr.Msg)
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, ErrValidation):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		code, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrConflict):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	}

	http.Error(w, msg, code)
	log.Error().Err(err).Int("code", code).Msg("request failed")
}
