package httpingest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

type HTTPError struct {
	error
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *HTTPError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Code)
	return nil
}

func newHTTPError(code int, message string, cause error) *HTTPError {
	return &HTTPError{
		error:   cause,
		Code:    code,
		Message: message,
	}
}

func internalServerError(message string, err error) *HTTPError {
	return newHTTPError(http.StatusInternalServerError, "internal server error", fmt.Errorf("%s: %w", message, err))
}

func badRequest(message string) *HTTPError {
	return newHTTPError(http.StatusBadRequest, message, errors.New(message))
}

func unavailable(message string) *HTTPError {
	return newHTTPError(http.StatusServiceUnavailable, message, errors.New(message))
}
