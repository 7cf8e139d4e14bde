// Package apperr defines typed application errors with stable codes that
// map onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category. Codes are part of the API contract
// and are returned verbatim in error envelopes.
type Code string

const (
	CodeNotFound               Code = "NOT_FOUND"
	CodeForbidden              Code = "FORBIDDEN"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeBadRequest             Code = "BAD_REQUEST"
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeLeaseLost              Code = "LEASE_LOST"
	CodeEnvVarNotFound         Code = "ENV_VAR_NOT_FOUND"
	CodeMCPPresetNotFound      Code = "MCP_PRESET_NOT_FOUND"
	CodeSkillPresetNotFound    Code = "SKILL_PRESET_NOT_FOUND"
	CodeSkillDownloadFailed    Code = "SKILL_DOWNLOAD_FAILED"
	CodeWorkspaceNotFound      Code = "WORKSPACE_NOT_FOUND"
	CodeWorkspaceArchiveFailed Code = "WORKSPACE_ARCHIVE_FAILED"
	CodeWorkspaceDeleteFailed  Code = "WORKSPACE_DELETE_FAILED"
	CodeCallbackForwardFailed  Code = "CALLBACK_FORWARD_FAILED"
	CodeSessionCreateFailed    Code = "SESSION_CREATE_FAILED"
	CodeTaskNotFound           Code = "TASK_NOT_FOUND"
	CodeTaskSchedulingFailed   Code = "TASK_SCHEDULING_FAILED"
	CodeBackendUnavailable     Code = "BACKEND_UNAVAILABLE"
	CodeExternalService        Code = "EXTERNAL_SERVICE_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error is an application error carrying a stable code and optional
// structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches application errors by code, so callers can compare against
// code-only sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an application error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an application error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an application error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeBadRequest, CodeInvalidInput, CodeEnvVarNotFound,
		CodeMCPPresetNotFound, CodeSkillPresetNotFound:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeTaskNotFound, CodeWorkspaceNotFound:
		return http.StatusNotFound
	case CodeLeaseLost:
		return http.StatusConflict
	case CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case CodeExternalService, CodeSkillDownloadFailed, CodeCallbackForwardFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
