// Package errors maps the errors of the coordinator and the stores to the JSON error bodies and
// status codes of the HTTP surface.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/streamcache/streamcache/pkg/coordinator"
	"github.com/streamcache/streamcache/pkg/expression"
	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

const InternalServerErrorMsg = "Internal Server Error"

// Code is the machine-readable kind of an error body.
type Code string

const (
	CodeInvalidArgument  Code = "invalid_argument"
	CodeInvalidDocument  Code = "invalid_document"
	CodeNotFound         Code = "not_found"
	CodeCapacityExceeded Code = "capacity_exceeded"
	CodeWaitTimeout      Code = "wait_timeout"
	CodeExecutionFailed  Code = "execution_failed"
	CodeUnavailable      Code = "unavailable"
	CodeCancelled        Code = "cancelled"
	CodeNotImplemented   Code = "not_implemented"
	CodeInternalError    Code = "internal_error"
)

// EncodedError is the body of every error response.
type EncodedError struct {
	HTTPStatusCode int    `json:"-"`
	Code           Code   `json:"code"`
	Message        string `json:"message"`
}

func (e *EncodedError) Error() string {
	return e.Message
}

func NewEncodedError(status int, code Code, message string) *EncodedError {
	return &EncodedError{HTTPStatusCode: status, Code: code, Message: message}
}

// InvalidArgument reports a malformed request.
func InvalidArgument(format string, args ...any) *EncodedError {
	return NewEncodedError(http.StatusBadRequest, CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// NotImplemented reports an endpoint the running configuration cannot serve.
func NotImplemented(message string) *EncodedError {
	return NewEncodedError(http.StatusNotImplemented, CodeNotImplemented, message)
}

// Encode maps err to the error body sent to the client. The second return value is false when
// err is unexpected and its details are hidden from the client.
func Encode(err error) (*EncodedError, bool) {
	var encoded *EncodedError
	if errors.As(err, &encoded) {
		return encoded, true
	}

	var compilationErr *expression.CompilationError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, coordinator.ErrValidation),
		errors.As(err, &compilationErr),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, query.ErrInvalidReadOptions):
		return NewEncodedError(http.StatusBadRequest, CodeInvalidArgument, err.Error()), true
	case errors.Is(err, storage.ErrInvalidDocument),
		errors.Is(err, storage.ErrExceededWriteBatchLimit):
		return NewEncodedError(http.StatusBadRequest, CodeInvalidDocument, err.Error()), true
	case errors.As(err, &maxBytesErr):
		return NewEncodedError(http.StatusRequestEntityTooLarge, CodeInvalidArgument, err.Error()), true
	case errors.Is(err, storage.ErrNotFound):
		return NewEncodedError(http.StatusNotFound, CodeNotFound, err.Error()), true
	case errors.Is(err, coordinator.ErrCapacity):
		return NewEncodedError(http.StatusServiceUnavailable, CodeCapacityExceeded, err.Error()), true
	case errors.Is(err, coordinator.ErrClosed):
		return NewEncodedError(http.StatusServiceUnavailable, CodeUnavailable, err.Error()), true
	case errors.Is(err, coordinator.ErrWaitTimeout):
		return NewEncodedError(http.StatusGatewayTimeout, CodeWaitTimeout, err.Error()), true
	case errors.Is(err, coordinator.ErrExecutionFailed):
		return NewEncodedError(http.StatusBadGateway, CodeExecutionFailed, err.Error()), true
	case errors.Is(err, context.Canceled), errors.Is(err, storage.ErrCancelled):
		return NewEncodedError(499, CodeCancelled, "request has been cancelled"), true
	default:
		return NewEncodedError(http.StatusInternalServerError, CodeInternalError, InternalServerErrorMsg), false
	}
}

// Write sends e as a JSON error response.
func Write(w http.ResponseWriter, e *EncodedError) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(e.HTTPStatusCode)

	responseBody, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = w.Write(responseBody)
}
