// Package tenant resolves the caller's tenant and user from a verified claim set.
// Resolution is pure and never fails: malformed input yields an empty identifier.
package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Claim names read by the resolver.
const (
	// AppClaim holds the application-injected channel set by a gateway that
	// already validated the caller and re-signed its context.
	AppClaim = "app"

	TenantClaim = "tenant_id"
	UserClaim   = "user_id"
	// SubjectClaim is the identity provider's user identifier.
	SubjectClaim = "sub"
)

// Claims is a verified claim set.
type Claims map[string]any

// Source tags where a candidate identifier came from.
type Source int

const (
	SourceAbsent Source = iota
	SourceApp
	SourceProvider
)

func (s Source) String() string {
	switch s {
	case SourceApp:
		return "app"
	case SourceProvider:
		return "provider"
	default:
		return "absent"
	}
}

// Candidate is the resolved value for one field together with its origin.
// Value is empty exactly when Source is SourceAbsent.
type Candidate struct {
	Source Source
	Value  string
}

// SecurityContext is the per-request identity. Empty fields mean null.
type SecurityContext struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// HasTenant reports whether a tenant was resolved.
func (s SecurityContext) HasTenant() bool { return s.TenantID != "" }

// Resolve computes the SecurityContext for claims.
func Resolve(claims Claims) SecurityContext {
	return SecurityContext{
		TenantID: ResolveTenant(claims).Value,
		UserID:   ResolveUser(claims).Value,
	}
}

// ResolveTenant applies app > provider > absent to the tenant field.
func ResolveTenant(claims Claims) Candidate {
	return pick(
		stringAt(appChannel(claims), TenantClaim),
		stringAt(claims, TenantClaim),
	)
}

// ResolveUser applies app > provider > absent to the user field. The provider
// channel identifies users by subject.
func ResolveUser(claims Claims) Candidate {
	return pick(
		stringAt(appChannel(claims), UserClaim),
		stringAt(claims, SubjectClaim),
	)
}

// pick returns the first well-formed candidate in precedence order, folded to
// lowercase canonical form. A present but malformed app value does not block
// a valid provider value.
func pick(app, provider string) Candidate {
	switch {
	case IsCanonicalUUID(app):
		return Candidate{Source: SourceApp, Value: canonical(app)}
	case IsCanonicalUUID(provider):
		return Candidate{Source: SourceProvider, Value: canonical(provider)}
	default:
		return Candidate{Source: SourceAbsent}
	}
}

// IsCanonicalUUID reports whether s is a 36-character hyphenated UUID.
// Braced, URN and unhyphenated forms accepted by uuid.Parse are rejected.
func IsCanonicalUUID(s string) bool {
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// canonical renders a validated UUID in lowercase hyphenated form.
func canonical(s string) string {
	return uuid.MustParse(s).String()
}

func appChannel(claims Claims) map[string]any {
	if claims == nil {
		return nil
	}
	switch v := claims[AppClaim].(type) {
	case map[string]any:
		return v
	case Claims:
		return v
	default:
		return nil
	}
}

func stringAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

type ctxKey struct{}

// WithContext stores sc in ctx.
func WithContext(ctx context.Context, sc SecurityContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext returns the SecurityContext stored in ctx, or the empty context.
func FromContext(ctx context.Context) SecurityContext {
	sc, _ := ctx.Value(ctxKey{}).(SecurityContext)
	return sc
}

// IDFromContext returns the tenant ID from ctx, or "" when unresolved.
func IDFromContext(ctx context.Context) string {
	return FromContext(ctx).TenantID
}
