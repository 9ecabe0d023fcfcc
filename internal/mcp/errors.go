package mcp

import (
	"fmt"

	fableerrors "fable/internal/errors"
)

// FailureCode classifies a tool call failure.
type FailureCode string

const (
	CodeInvalidParameters FailureCode = "invalid_parameters"
	CodeNotFound          FailureCode = "not_found"
	CodeUnavailable       FailureCode = "unavailable"
	CodeTimeout           FailureCode = "timeout"
	CodeInternal          FailureCode = "internal_error"
)

// ToolError carries the failure code plus the service and tool involved.
// Unavailable, timeout and internal failures wrap a TransientError so the
// retry helpers know the call may be worth repeating; invalid parameters and
// unknown tools wrap a PermanentError and fail fast.
type ToolError struct {
	Code    FailureCode
	Service string
	Tool    string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s on %s: %s: %v", e.Tool, e.Service, e.Code, e.Err)
	}
	return fmt.Sprintf("service %s: %s: %v", e.Service, e.Code, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError wraps err with the given code. The inner error is tagged
// transient or permanent based on the code.
func NewToolError(code FailureCode, service, tool string, err error) *ToolError {
	switch code {
	case CodeInvalidParameters, CodeNotFound:
		err = fableerrors.NewPermanentError(err, err.Error())
	default:
		err = fableerrors.NewTransientError(err, err.Error())
	}
	return &ToolError{Code: code, Service: service, Tool: tool, Err: err}
}

// codeForStatus maps an HTTP response status to a failure code.
func codeForStatus(status int) FailureCode {
	switch {
	case status == 400 || status == 422:
		return CodeInvalidParameters
	case status == 404:
		return CodeNotFound
	case status == 408 || status == 504:
		return CodeTimeout
	case status == 429 || status == 502 || status == 503:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
