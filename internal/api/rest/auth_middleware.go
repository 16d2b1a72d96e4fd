package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// ScopeWrite authorizes every mutating compliance operation
const ScopeWrite = "compliance:write"

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret []byte
	Issuer    string
}

// Claims represents JWT claims. Scopes may arrive as the space separated
// OAuth scope claim or as a permissions list.
type Claims struct {
	jwt.RegisteredClaims
	Scope       string   `json:"scope,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasScope reports whether the claims grant scope
func (c *Claims) HasScope(scope string) bool {
	if slices.Contains(c.Permissions, scope) || slices.Contains(c.Permissions, "*") {
		return true
	}
	return slices.Contains(strings.Fields(c.Scope), scope)
}

const contextKeyClaims contextKey = "claims"

// ClaimsFromContext returns the verified claims of the request, if any
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	return claims, ok
}

// AuthMiddleware provides JWT bearer authentication
type AuthMiddleware struct {
	config *AuthConfig
	tracer trace.Tracer
	base   *BaseHandler
	now    func() time.Time
}

// NewAuthMiddleware creates a new auth middleware. With an empty secret no
// token can be verified, so every protected route answers 401.
func NewAuthMiddleware(config *AuthConfig, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: config,
		tracer: otel.Tracer("compliance-tracker/rest/auth"),
		base:   NewBaseHandler(logger),
		now:    time.Now,
	}
}

// Require returns a middleware that admits requests carrying a valid token
// granting every listed scope
func (a *AuthMiddleware) Require(scopes ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := a.tracer.Start(r.Context(), "auth.middleware",
				trace.WithAttributes(attribute.StringSlice("required_scopes", scopes)),
			)
			defer span.End()

			token, err := extractToken(r)
			if err != nil {
				span.RecordError(err)
				a.base.writeError(w, r, domainErrors.NewUnauthorizedError("Invalid authorization header"))
				return
			}

			claims, err := a.ValidateToken(token)
			if err != nil {
				span.RecordError(err)
				a.base.writeError(w, r, domainErrors.NewUnauthorizedError("Invalid or expired token"))
				return
			}

			for _, scope := range scopes {
				if !claims.HasScope(scope) {
					a.base.writeError(w, r, domainErrors.NewForbiddenError("Insufficient permissions"))
					return
				}
			}

			span.SetAttributes(attribute.String("auth.subject", claims.Subject))
			if meta, ok := ctx.Value(contextKeyRequestMeta).(*RequestMeta); ok {
				meta.Subject = claims.Subject
			}

			ctx = context.WithValue(ctx, contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateToken parses and verifies an HS256 token
func (a *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.config.JWTSecret) == 0 {
		return nil, errors.New("no signing secret configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.config.JWTSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// GenerateToken signs a token for subject granting scopes. Used by operators
// and tests to mint credentials.
func (a *AuthMiddleware) GenerateToken(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scope: strings.Join(scopes, " "),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.JWTSecret)
}

// Subject resolves the caller of a public request from an optional bearer
// token. Requests without a valid token are anonymous.
func (a *AuthMiddleware) Subject(r *http.Request) string {
	token, err := extractToken(r)
	if err != nil {
		return "anonymous"
	}
	claims, err := a.ValidateToken(token)
	if err != nil || claims.Subject == "" {
		return "anonymous"
	}
	return claims.Subject
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}
