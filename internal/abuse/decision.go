// Package abuse decides whether a request looks automated, hostile or too
// frequent. Rules are evaluated in a fixed per-operation order and the first
// denial wins.
package abuse

import (
	"context"

	"inkwell/api/internal/operation"
)

type Verdict string

const (
	Allowed Verdict = "ALLOW"
	Denied  Verdict = "DENY"
)

type Reason string

const (
	ReasonNone            Reason = "NONE"
	ReasonBot             Reason = "BOT"
	ReasonShield          Reason = "SHIELD"
	ReasonRateLimit       Reason = "RATE_LIMIT"
	ReasonEmailDisposable Reason = "EMAIL_DISPOSABLE"
	ReasonEmailInvalid    Reason = "EMAIL_INVALID"
	ReasonEmailNoMX       Reason = "EMAIL_NO_MX"
)

type Decision struct {
	Verdict Verdict
	Reason  Reason
	Detail  string
	Rule    string
}

func (d Decision) Denied() bool {
	return d.Verdict == Denied
}

func Allow() Decision {
	return Decision{Verdict: Allowed, Reason: ReasonNone}
}

func Deny(rule string, reason Reason, detail string) Decision {
	return Decision{Verdict: Denied, Reason: reason, Detail: detail, Rule: rule}
}

// Request is what the rules see. Fields come from source metadata and, for
// Email and Fields, from the already validated payload.
type Request struct {
	Operation  operation.Kind
	IP         string
	UserAgent  string
	Headers    map[string]string // lower-cased names
	Suspicious bool
	Email      string
	Fields     map[string]string
}

// Rule is one abuse check. Evaluate must not change shared state.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// Consumer is a rule that spends a budget. The engine calls Consume only
// after every rule of the policy has allowed the request.
type Consumer interface {
	Rule
	Consume(ctx context.Context, req Request) (Decision, error)
}
