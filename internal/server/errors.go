// Package server provides the HTTP REST API for the analysis pipeline.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/inkwell-press/inkwell/internal/dispatch"
	"github.com/inkwell-press/inkwell/internal/pipeline"
	"github.com/inkwell-press/inkwell/internal/store"
)

// ErrMissingOwner indicates the X-Owner-ID header was absent or malformed.
type ErrMissingOwner struct{}

func (e *ErrMissingOwner) Error() string {
	return "missing or invalid X-Owner-ID header"
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrRateLimited indicates the owner exceeded their per-minute call budget.
type ErrRateLimited struct{}

func (e *ErrRateLimited) Error() string {
	return "rate limit exceeded"
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		notFound    *store.ErrNotFound
		transition  *store.ErrInvalidTransition
		running     *dispatch.ErrAlreadyRunning
		quota       *dispatch.ErrQuotaExhausted
		ceiling     *dispatch.ErrSpendCeiling
		badPipeline *pipeline.ErrInvalidPipeline
		validation  *ErrValidation
		owner       *ErrMissingOwner
		limited     *ErrRateLimited
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &running), errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &owner):
		return http.StatusUnauthorized
	case errors.Is(err, dispatch.ErrNotOwner):
		return http.StatusForbidden
	case errors.As(err, &quota), errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &ceiling):
		return http.StatusPaymentRequired
	case errors.As(err, &badPipeline), errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
