package main

import (
	"net/http"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
)

// ErrResponse renders an error as JSON with the matching status code.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(err error, code int, status string) *ErrResponse {
	resp := &ErrResponse{Err: err, HTTPStatusCode: code, StatusText: status}
	if err != nil {
		resp.ErrorText = err.Error()
	}
	return resp
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

func ErrInvalidRequest(err error) render.Renderer {
	return newErrResponse(err, http.StatusBadRequest, "Invalid request.")
}

func ErrUnauthorized(err error) render.Renderer {
	return newErrResponse(err, http.StatusUnauthorized, "Unauthorized.")
}

func ErrPermissionDenied(err error) render.Renderer {
	return newErrResponse(err, http.StatusForbidden, "Permission denied.")
}

func ErrRender(err error) render.Renderer {
	return newErrResponse(err, http.StatusInternalServerError, "Internal server error.")
}

// ErrDriver maps a driver result onto an HTTP status.
func ErrDriver(err error) render.Renderer {
	switch {
	case errors.Is(err, derrors.ErrInvalidAxis):
		return newErrResponse(err, http.StatusNotFound, "Unknown axis.")
	case derrors.IsNotEnabled(err):
		return newErrResponse(err, http.StatusConflict, "Not enabled.")
	case errors.Is(err, derrors.ErrModeTransition):
		return newErrResponse(err, http.StatusConflict, "Control mode change refused.")
	case derrors.IsTimeout(err):
		return newErrResponse(err, http.StatusGatewayTimeout, "Board did not reply.")
	case derrors.IsClosed(err):
		return newErrResponse(err, http.StatusServiceUnavailable, "Bus closed.")
	}
	return ErrRender(err)
}
