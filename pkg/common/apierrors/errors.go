package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error code returned to clients.
type Code string

const (
	CodeParseError             Code = "PARSE_ERROR"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeEmptyRequest           Code = "EMPTY_REQUEST"
	CodeMalformedFilter        Code = "MALFORMED_FILTER"
	CodeUnknownCriteriaID      Code = "UNKNOWN_CRITERIA_ID"
	CodeStalePageToken         Code = "STALE_PAGE_TOKEN"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeWarehouseTransient     Code = "WAREHOUSE_TRANSIENT"
	CodeWarehouseFatal         Code = "WAREHOUSE_FATAL"
)

type Error struct {
	Code    Code
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func BadRequest(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConcurrentModification, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// Transient marks a retryable warehouse condition (timeout, rate limit).
func Transient(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeWarehouseTransient,
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// Fatal marks a non-retryable warehouse failure. The generated SQL never
// appears in Message so it cannot leak to callers.
func Fatal(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeWarehouseFatal,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// As unwraps err into an *Error, or nil when err carries none.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

func IsCode(err error, code Code) bool {
	apiErr := As(err)
	return apiErr != nil && apiErr.Code == code
}

func IsRetryable(err error) bool {
	return IsCode(err, CodeWarehouseTransient)
}

// HTTPStatus maps an error to the response status, defaulting to 500.
func HTTPStatus(err error) int {
	if apiErr := As(err); apiErr != nil {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
