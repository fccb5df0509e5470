package ops

import (
	"errors"
	"net/http"

	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/saga"
	"github.com/overtonx/sagaflow/storage"
)

type errorCode string

const (
	codeInvalidArgument errorCode = "INVALID_ARGUMENT"
	codeNotFound        errorCode = "NOT_FOUND"
	codeConflict        errorCode = "CONFLICT"
	codeUnavailable     errorCode = "UNAVAILABLE"
	codeInternal        errorCode = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// mapError turns a command error into a status and a body.
func mapError(err error) (int, errorResponse) {
	var illegal *saga.IllegalTransitionError
	switch {
	case events.IsValidationError(err):
		return http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, errorResponse{Code: codeNotFound, Message: err.Error()}
	case errors.As(err, &illegal), errors.Is(err, storage.ErrMessageNotFailed):
		return http.StatusConflict, errorResponse{Code: codeConflict, Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Code: codeInternal, Message: err.Error()}
	}
}
