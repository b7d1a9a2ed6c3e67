package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"claude-chat/internal/adapter"
	"claude-chat/internal/catalog"
	"claude-chat/internal/session"
	"claude-chat/internal/upload"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(message, errType, code string) errorBody {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return payload
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, newErrorBody(message, errType, code))
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	slog.Error("unhandled request error", "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var adErr *adapter.Error
	if errors.As(err, &adErr) {
		return adapterHTTPError(adErr)
	}

	switch {
	case errors.Is(err, session.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: "session not found or expired", Type: "session_error", Code: "session_not_found"}
	case errors.Is(err, session.ErrNotAuthorized):
		return requestError{Status: http.StatusForbidden, Message: err.Error(), Type: "authentication_error", Code: "not_verified"}
	case errors.Is(err, session.ErrBusy):
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "conflict_error", Code: "busy"}
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrNothingToSave):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, session.ErrNoSavedChats):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, catalog.ErrUnknownModel):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error", Code: "unknown_model"}
	case errors.Is(err, upload.ErrUnsupportedType):
		return requestError{Status: http.StatusUnsupportedMediaType, Message: err.Error(), Type: "invalid_request_error", Code: "unsupported_file"}
	case errors.Is(err, upload.ErrNoText), errors.Is(err, upload.ErrInvalidEncoding):
		return requestError{Status: http.StatusUnprocessableEntity, Message: err.Error(), Type: "invalid_request_error"}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func adapterHTTPError(err *adapter.Error) requestError {
	reqErr := requestError{Message: err.Error(), Code: string(err.Kind)}
	switch err.Kind {
	case adapter.KindCredentialFormat:
		reqErr.Status, reqErr.Type = http.StatusBadRequest, "invalid_request_error"
	case adapter.KindUnauthorized:
		reqErr.Status, reqErr.Type = http.StatusUnauthorized, "authentication_error"
	case adapter.KindNotConfigured:
		reqErr.Status, reqErr.Type = http.StatusForbidden, "authentication_error"
	case adapter.KindInvalidRequest:
		reqErr.Status, reqErr.Type = http.StatusBadRequest, "invalid_request_error"
	default:
		reqErr.Status, reqErr.Type = http.StatusBadGateway, "upstream_error"
	}
	return reqErr
}
