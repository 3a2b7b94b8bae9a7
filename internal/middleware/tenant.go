package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/logger"
)

var errNoSecret = errors.New("jwt secret not configured")

// Verifier checks HS256 bearer tokens against the configured issuer and audience.
type Verifier struct {
	secret   []byte
	source   func() string
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier creates a Verifier. With an empty secret every token is rejected.
func NewVerifier(cfg config.Auth) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
	}
}

// SetSecretSource makes the Verifier read its secret from get on every use,
// so a rotated secret takes effect without a restart.
func (v *Verifier) SetSecretSource(get func() string) { v.source = get }

func (v *Verifier) signingKey() []byte {
	if v.source != nil {
		return []byte(v.source())
	}
	return v.secret
}

func (v *Verifier) key(*jwt.Token) (any, error) {
	secret := v.signingKey()
	if len(secret) == 0 {
		return nil, errNoSecret
	}
	return secret, nil
}

// Verify validates raw and returns its claim set.
func (v *Verifier) Verify(raw string) (tenant.Claims, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.key); err != nil {
		return nil, err
	}
	return tenant.Claims(claims), nil
}

// Mint signs claims with the configured issuer, audience and a ttl expiry.
func (v *Verifier) Mint(claims tenant.Claims, ttl time.Duration) (string, error) {
	secret := v.signingKey()
	if len(secret) == 0 {
		return "", errNoSecret
	}
	now := time.Now()
	mc := jwt.MapClaims{
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.issuer != "" {
		mc["iss"] = v.issuer
	}
	if v.audience != "" {
		mc["aud"] = v.audience
	}
	for k, val := range claims {
		mc[k] = val
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// bearerToken returns the token from the Authorization header, or from the
// token query parameter on WebSocket upgrades where browsers cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Claims resolves the caller's SecurityContext from a verified bearer token and
// stores it in the request context. Missing or invalid tokens yield an empty
// context; services decide what an unresolved tenant may do.
func Claims(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sc tenant.SecurityContext
			if raw := bearerToken(r); raw != "" {
				claims, err := v.Verify(raw)
				if err != nil {
					slog.DebugContext(r.Context(), "bearer token rejected", "error", err)
				} else {
					sc = tenant.Resolve(claims)
				}
			}

			ctx := tenant.WithContext(r.Context(), sc)
			if sc.HasTenant() {
				ctx = logger.WithTenantID(ctx, sc.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
