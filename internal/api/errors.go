package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/opsdesk/internal/apperr"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// fromAppErr maps an operation error to its HTTP shape. Invalid arguments
// carry the reason so clients can show it inline.
func fromAppErr(err error) *ApiError {
	switch apperr.KindOf(err) {
	case apperr.Unauthenticated:
		return NewUnauthorizedError()
	case apperr.Forbidden:
		return NewForbiddenError()
	case apperr.NotFound:
		return NewNotFoundError()
	case apperr.InvalidArgument:
		e := NewBadRequestError()
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Err != nil {
			e.Message = fmt.Sprintf("%s: %s", e.Message, ae.Err.Error())
		}
		return e
	case apperr.Retrievable:
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
