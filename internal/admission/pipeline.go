// Package admission runs every mutating operation through the identity,
// validation and abuse gates, in that order, before its handler.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inkwell/api/internal/abuse"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/operation"
	"inkwell/api/internal/schema"
)

const DefaultGateTimeout = 3 * time.Second

type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (*auth.Principal, error)
}

type SchemaValidator interface {
	Validate(ctx context.Context, op operation.Kind, raw []byte) (any, error)
}

type DecisionEngine interface {
	Evaluate(ctx context.Context, req abuse.Request) (abuse.Decision, error)
}

// SourceMetadata describes where a call came from. Header names are lower case.
type SourceMetadata struct {
	IP         string
	UserAgent  string
	Headers    map[string]string
	Suspicious bool
}

type Request struct {
	Operation  operation.Kind
	Credential string
	RawPayload []byte
	Source     SourceMetadata
}

// Admission is what a handler receives. Principal is nil only for public
// operations called anonymously.
type Admission struct {
	Principal *auth.Principal
	Payload   any
}

type Handler func(ctx context.Context, admitted Admission) (any, error)

type Pipeline struct {
	identity  IdentityVerifier
	validator SchemaValidator
	engine    DecisionEngine
	timeout   time.Duration
	tracer    trace.Tracer
}

func New(identity IdentityVerifier, validator SchemaValidator, engine DecisionEngine, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultGateTimeout
	}
	return &Pipeline{
		identity:  identity,
		validator: validator,
		engine:    engine,
		timeout:   timeout,
		tracer:    otel.Tracer("inkwell/api/internal/admission"),
	}
}

// Run admits the request and then calls handler exactly once. The handler's
// own error is returned unchanged.
func (p *Pipeline) Run(ctx context.Context, req Request, handler Handler) (any, error) {
	admitted, err := p.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return handler(ctx, admitted)
}

// Admit runs the gates and stops at the first rejection. Any rejection is
// an *Error.
func (p *Pipeline) Admit(ctx context.Context, req Request) (Admission, error) {
	if !req.Operation.Valid() {
		return Admission{}, p.reject(req, &Error{Kind: KindInternal, Gate: "operation", Err: fmt.Errorf("unknown operation %q", req.Operation)})
	}

	principal, err := gate(ctx, p, "identity", req.Operation, func(ctx context.Context) (*auth.Principal, error) {
		return p.identity.Verify(ctx, req.Credential)
	})
	if err != nil {
		return Admission{}, p.reject(req, &Error{Kind: KindInternal, Gate: "identity", Err: err})
	}
	if principal == nil && !req.Operation.Public() {
		return Admission{}, p.reject(req, &Error{Kind: KindUnauthorized, Gate: "identity"})
	}

	payload, err := gate(ctx, p, "validation", req.Operation, func(ctx context.Context) (any, error) {
		return p.validator.Validate(ctx, req.Operation, req.RawPayload)
	})
	if err != nil {
		var fields schema.FieldErrors
		if errors.As(err, &fields) {
			return Admission{}, p.reject(req, &Error{Kind: KindInvalidInput, Gate: "validation", Fields: fields})
		}
		return Admission{}, p.reject(req, &Error{Kind: KindInternal, Gate: "validation", Err: err})
	}

	decision, err := gate(ctx, p, "abuse", req.Operation, func(ctx context.Context) (abuse.Decision, error) {
		return p.engine.Evaluate(ctx, abuseRequest(req, payload))
	})
	if err != nil {
		return Admission{}, p.reject(req, &Error{Kind: KindInternal, Gate: "abuse", Err: err})
	}
	if decision.Denied() {
		return Admission{}, p.reject(req, &Error{Kind: KindBlocked, Gate: "abuse", Reason: decision.Reason, Detail: decision.Detail})
	}

	return Admission{Principal: principal, Payload: payload}, nil
}

// gate calls fn under its own deadline and span. A panic, a returned error
// or an answer that arrives after the deadline all count as failures.
func gate[T any](ctx context.Context, p *Pipeline, name string, op operation.Kind, fn func(context.Context) (T, error)) (result T, err error) {
	ctx, span := p.tracer.Start(ctx, "admission."+name, trace.WithAttributes(attribute.String("operation", string(op))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			var zero T
			result, err = zero, fmt.Errorf("%s gate panic: %v", name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	result, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		var zero T
		result, err = zero, fmt.Errorf("%s gate: %w", name, ctx.Err())
	}
	return result, err
}

func (p *Pipeline) reject(req Request, rejection *Error) error {
	detail := rejection.Detail
	if rejection.Err != nil {
		detail = rejection.Err.Error()
	}
	log.Printf(`{"component":"admission","operation":%q,"gate":%q,"kind":%q,"reason":%q,"detail":%q,"ip":%q}`,
		req.Operation, rejection.Gate, rejection.Kind, rejection.Reason, detail, req.Source.IP)
	return rejection
}

type emailCarrier interface {
	CandidateEmail() string
}

type fieldCarrier interface {
	ShieldFields() map[string]string
}

// abuseRequest builds the fingerprint: source metadata plus the validated
// fields each operation's rules need.
func abuseRequest(req Request, payload any) abuse.Request {
	out := abuse.Request{
		Operation:  req.Operation,
		IP:         req.Source.IP,
		UserAgent:  req.Source.UserAgent,
		Headers:    req.Source.Headers,
		Suspicious: req.Source.Suspicious,
	}
	if carrier, ok := payload.(emailCarrier); ok {
		out.Email = carrier.CandidateEmail()
	}
	if carrier, ok := payload.(fieldCarrier); ok {
		out.Fields = carrier.ShieldFields()
	}
	return out
}
