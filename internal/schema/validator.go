// Package schema validates raw operation payloads into typed inputs.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"inkwell/api/internal/operation"
)

// FieldErrors maps a payload field (JSON name) to a user-facing message.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+" "+e[field])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

type normalizer interface {
	normalize()
}

// Validator decodes and validates payloads per operation.
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate returns the typed input for op, or FieldErrors when the payload
// does not satisfy the operation's contract. Any other error is unexpected.
func (v *Validator) Validate(ctx context.Context, op operation.Kind, raw []byte) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch op {
	case operation.Register:
		return payload(validateInto[RegisterInput](v, raw, func(in *RegisterInput) { in.Email = strings.ToLower(in.Email) }))
	case operation.Login:
		return payload(validateInto[LoginInput](v, raw, func(in *LoginInput) { in.Email = strings.ToLower(in.Email) }))
	case operation.CreatePost:
		return payload(validateInto[CreatePostInput](v, raw, nil))
	case operation.AddComment:
		return payload(validateInto[AddCommentInput](v, raw, nil))
	default:
		return nil, fmt.Errorf("no payload contract for operation %q", op)
	}
}

func payload[T any](in T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return in, nil
}

func validateInto[T any, PT interface {
	*T
	normalizer
}](v *Validator, raw []byte, after func(PT)) (T, error) {
	var in T
	if err := decodeObject(raw, &in); err != nil {
		return in, err
	}
	PT(&in).normalize()
	if err := v.validate.Struct(&in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return in, fieldErrors(verrs)
		}
		return in, fmt.Errorf("validate payload: %w", err)
	}
	if after != nil {
		after(PT(&in))
	}
	return in, nil
}

func decodeObject(raw []byte, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return FieldErrors{"body": "must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return FieldErrors{typeErr.Field: "has the wrong type"}
		}
		return FieldErrors{"body": "must be a JSON object"}
	}
	return nil
}

func fieldErrors(verrs validator.ValidationErrors) FieldErrors {
	out := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if _, seen := out[name]; seen {
			continue
		}
		out[name] = message(fe)
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s items", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at most %s items", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
