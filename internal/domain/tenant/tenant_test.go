package tenant_test

import (
	"context"
	"testing"

	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
)

const (
	tenantA = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	tenantB = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	userA   = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
	userB   = "dddddddd-dddd-4ddd-8ddd-dddddddddddd"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name       string
		claims     tenant.Claims
		wantTenant tenant.Candidate
		wantUser   tenant.Candidate
	}{
		{
			name:       "nil claims",
			claims:     nil,
			wantTenant: tenant.Candidate{Source: tenant.SourceAbsent},
			wantUser:   tenant.Candidate{Source: tenant.SourceAbsent},
		},
		{
			name:       "provider only",
			claims:     tenant.Claims{"tenant_id": tenantB, "sub": userB},
			wantTenant: tenant.Candidate{Source: tenant.SourceProvider, Value: tenantB},
			wantUser:   tenant.Candidate{Source: tenant.SourceProvider, Value: userB},
		},
		{
			name: "app wins over provider",
			claims: tenant.Claims{
				"tenant_id": tenantB, "sub": userB,
				"app": map[string]any{"tenant_id": tenantA, "user_id": userA},
			},
			wantTenant: tenant.Candidate{Source: tenant.SourceApp, Value: tenantA},
			wantUser:   tenant.Candidate{Source: tenant.SourceApp, Value: userA},
		},
		{
			name: "malformed app falls back to provider",
			claims: tenant.Claims{
				"tenant_id": tenantB,
				"app":       map[string]any{"tenant_id": "not-a-uuid"},
			},
			wantTenant: tenant.Candidate{Source: tenant.SourceProvider, Value: tenantB},
			wantUser:   tenant.Candidate{Source: tenant.SourceAbsent},
		},
		{
			name:       "non-string values",
			claims:     tenant.Claims{"tenant_id": 42, "sub": true, "app": "oops"},
			wantTenant: tenant.Candidate{Source: tenant.SourceAbsent},
			wantUser:   tenant.Candidate{Source: tenant.SourceAbsent},
		},
		{
			name:       "empty strings",
			claims:     tenant.Claims{"tenant_id": "", "sub": ""},
			wantTenant: tenant.Candidate{Source: tenant.SourceAbsent},
			wantUser:   tenant.Candidate{Source: tenant.SourceAbsent},
		},
		{
			name:       "independent fields",
			claims:     tenant.Claims{"tenant_id": tenantB, "sub": "auth0|123"},
			wantTenant: tenant.Candidate{Source: tenant.SourceProvider, Value: tenantB},
			wantUser:   tenant.Candidate{Source: tenant.SourceAbsent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tenant.ResolveTenant(tt.claims); got != tt.wantTenant {
				t.Errorf("tenant = %+v, want %+v", got, tt.wantTenant)
			}
			if got := tenant.ResolveUser(tt.claims); got != tt.wantUser {
				t.Errorf("user = %+v, want %+v", got, tt.wantUser)
			}
			sc := tenant.Resolve(tt.claims)
			if sc.TenantID != tt.wantTenant.Value || sc.UserID != tt.wantUser.Value {
				t.Errorf("Resolve = %+v", sc)
			}
		})
	}
}

func TestIsCanonicalUUID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{tenantA, true},
		{"AAAAAAAA-AAAA-4AAA-8AAA-AAAAAAAAAAAA", true},
		{"aaaaaaaaaaaa4aaa8aaaaaaaaaaaaaaaaaaa", false},
		{"{aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa}", false},
		{"urn:uuid:aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", false},
		{"zzzzzzzz-aaaa-4aaa-8aaa-aaaaaaaaaaaa", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tenant.IsCanonicalUUID(tt.in); got != tt.want {
			t.Errorf("IsCanonicalUUID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveFoldsCase(t *testing.T) {
	upper := "AAAAAAAA-AAAA-4AAA-8AAA-AAAAAAAAAAAA"
	tests := []struct {
		name   string
		claims tenant.Claims
	}{
		{"provider", tenant.Claims{tenant.TenantClaim: upper, tenant.SubjectClaim: "CCCCCCCC-CCCC-4CCC-8CCC-CCCCCCCCCCCC"}},
		{"app", tenant.Claims{tenant.AppClaim: map[string]any{tenant.TenantClaim: upper, tenant.UserClaim: "CCCCCCCC-cccc-4CCC-8ccc-CCCCCCCCCCCC"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := tenant.Resolve(tt.claims)
			if sc.TenantID != tenantA {
				t.Errorf("tenant = %q, want %q", sc.TenantID, tenantA)
			}
			if sc.UserID != userA {
				t.Errorf("user = %q, want %q", sc.UserID, userA)
			}
		})
	}
	if lower := tenant.Resolve(tenant.Claims{tenant.TenantClaim: tenantA}); lower.TenantID != tenant.Resolve(tests[0].claims).TenantID {
		t.Error("same UUID resolved to different tenant strings")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if tenant.FromContext(ctx).HasTenant() {
		t.Fatal("empty context must not carry a tenant")
	}
	if tenant.IDFromContext(ctx) != "" {
		t.Fatal("expected empty tenant id")
	}

	ctx = tenant.WithContext(ctx, tenant.SecurityContext{TenantID: tenantA, UserID: userA})
	if got := tenant.IDFromContext(ctx); got != tenantA {
		t.Errorf("tenant = %q", got)
	}
	if got := tenant.FromContext(ctx).UserID; got != userA {
		t.Errorf("user = %q", got)
	}
}

func TestSourceString(t *testing.T) {
	if tenant.SourceApp.String() != "app" || tenant.SourceProvider.String() != "provider" || tenant.SourceAbsent.String() != "absent" {
		t.Error("unexpected source names")
	}
}
