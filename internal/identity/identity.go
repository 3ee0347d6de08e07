// Package identity carries the verified caller supplied by the identity provider. Nothing here
// authenticates: callers hand over a subject, or claims of a token they have already verified.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimOrganization is the claim holding the tenant the token was issued for.
const ClaimOrganization = "org_id"

var (
	ErrNoSubject      = errors.New("identity: no subject in context")
	ErrInvalidSubject = errors.New("identity: invalid subject")
)

// Subject is the verified (user, organization) pair an authorization check runs for.
type Subject struct {
	UserID         string
	OrganizationID string
}

// Validate requires both halves of the pair.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidSubject)
	}
	if strings.TrimSpace(s.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrInvalidSubject)
	}
	return nil
}

// Claims is the typed form of the claims the identity provider issues.
type Claims struct {
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

// FromClaims lifts a subject out of verified claims: "sub" is the user and "org_id" the organization.
func FromClaims(claims jwt.Claims) (Subject, error) {
	if claims == nil {
		return Subject{}, fmt.Errorf("%w: no claims", ErrInvalidSubject)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	var org string
	switch c := claims.(type) {
	case *Claims:
		org = c.OrganizationID
	case Claims:
		org = c.OrganizationID
	case jwt.MapClaims:
		if v, ok := c[ClaimOrganization]; ok {
			s, ok := v.(string)
			if !ok {
				return Subject{}, fmt.Errorf("%w: %s must be a string", ErrInvalidSubject, ClaimOrganization)
			}
			org = s
		}
	}
	subject := Subject{UserID: strings.TrimSpace(sub), OrganizationID: strings.TrimSpace(org)}
	if err := subject.Validate(); err != nil {
		return Subject{}, err
	}
	return subject, nil
}

type subjectContextKey struct{}

// ContextWithSubject attaches the verified subject to the context.
func ContextWithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, &subject)
}

// SubjectFromContext extracts the subject attached by ContextWithSubject.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	if ctx == nil {
		return Subject{}, false
	}
	v, ok := ctx.Value(subjectContextKey{}).(*Subject)
	if !ok || v == nil {
		return Subject{}, false
	}
	return *v, true
}

// RequireSubject is SubjectFromContext for callers that cannot proceed without one.
func RequireSubject(ctx context.Context) (Subject, error) {
	s, ok := SubjectFromContext(ctx)
	if !ok {
		return Subject{}, ErrNoSubject
	}
	if err := s.Validate(); err != nil {
		return Subject{}, err
	}
	return s, nil
}
