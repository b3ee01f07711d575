package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors shared across the domain layer. Domain packages wrap these so
// handlers can map any service error onto a problem response with errors.Is.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("status does not permit this operation")
	ErrQuantityExceeds   = errors.New("quantity exceeds its ceiling")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("duplicate entry")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrQuantityExceeds):
		Problem(w, http.StatusUnprocessableEntity, "Quantity Exceeds Request", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
