package admission

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"inkwell/api/internal/abuse"
)

type Kind string

const (
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindInvalidInput Kind = "INVALID_INPUT"
	KindBlocked      Kind = "BLOCKED"
	KindInternal     Kind = "INTERNAL"
)

// Error is a rejection by one of the gates. Exactly one of Fields (invalid
// input), Reason (blocked) or Err (internal) is meaningful for a given Kind.
type Error struct {
	Kind   Kind
	Gate   string
	Fields map[string]string
	Reason abuse.Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindInvalidInput:
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("admission: invalid input (%s)", strings.Join(names, ", "))
	case KindBlocked:
		return fmt.Sprintf("admission: blocked (%s): %s", e.Reason, e.Detail)
	case KindInternal:
		return fmt.Sprintf("admission: %s gate failed: %v", e.Gate, e.Err)
	default:
		return "admission: unauthorized"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Status() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindBlocked:
		if e.Reason == abuse.ReasonRateLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

var blockMessages = map[abuse.Reason]string{
	abuse.ReasonBot:             "Automated requests are not allowed",
	abuse.ReasonShield:          "Request blocked for security reasons",
	abuse.ReasonRateLimit:       "Too many requests, please try again later",
	abuse.ReasonEmailDisposable: "Disposable email addresses are not allowed",
	abuse.ReasonEmailInvalid:    "Email address is invalid",
	abuse.ReasonEmailNoMX:       "Email domain cannot receive mail",
}

// UserMessage is safe to show to the caller. Internal details never leak.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindUnauthorized:
		return "Authentication required"
	case KindInvalidInput:
		return "Invalid input"
	case KindBlocked:
		if msg, ok := blockMessages[e.Reason]; ok {
			return msg
		}
		return "Request blocked"
	default:
		return "Internal server error"
	}
}
