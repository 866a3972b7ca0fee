package app

import (
	"fmt"
	"net/http"

	"inkwell/api/internal/abuse"
)

// DomainError is a failure raised outside the admission pipeline. It maps
// one-to-one onto the {code, error, details} body.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errForbidden() *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "Forbidden"}
}

// errRepairAborted carries the partial report of an interrupted sweep.
func errRepairAborted(partial any) *DomainError {
	return &DomainError{
		Status:  http.StatusServiceUnavailable,
		Code:    "REPAIR_ABORTED",
		Message: "Repair aborted",
		Details: partial,
	}
}

// errRateLimited matches the body the admission pipeline writes for a
// per-operation limit, so clients see one shape for both.
func errRateLimited(decision abuse.Decision) *DomainError {
	return &DomainError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: "Too many requests, please try again later",
		Details: map[string]any{"reason": decision.Reason},
	}
}
