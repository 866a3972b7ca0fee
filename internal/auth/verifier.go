package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RevocationChecker reports whether a credential id was revoked (logout).
type RevocationChecker interface {
	IsCredentialRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier turns a bearer credential into a Principal. Absent, malformed,
// expired and revoked credentials yield no principal and no error; an error
// means the verifier could not decide.
type Verifier struct {
	secret      []byte
	revocations RevocationChecker
	now         func() time.Time
}

func NewVerifier(secret []byte, revocations RevocationChecker) *Verifier {
	return &Verifier{secret: secret, revocations: revocations, now: time.Now}
}

func (v *Verifier) Verify(ctx context.Context, credential string) (*Principal, error) {
	claims, err := v.Claims(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) {
			return nil, nil
		}
		return nil, err
	}
	principal := principalFromClaims(claims)
	return &principal, nil
}

// Claims parses the credential and checks revocation.
func (v *Verifier) Claims(ctx context.Context, credential string) (Claims, error) {
	if credential == "" {
		return Claims{}, ErrInvalidToken
	}
	claims, err := parseToken(v.secret, credential, v.now)
	if err != nil {
		return Claims{}, err
	}
	if v.revocations != nil {
		revoked, err := v.revocations.IsCredentialRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrInvalidToken
		}
	}
	return claims, nil
}
