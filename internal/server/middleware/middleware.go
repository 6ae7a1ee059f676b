// Package middleware provides the HTTP middleware chain: request logging,
// panic recovery, and dashboard JWT verification for the import endpoint.
package middleware

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey int

const claimsKey contextKey = iota

// Claims is the verified dashboard session identity attached to the request
// context by JWTAuth.
type Claims struct {
	// Subject is the dashboard user ID, stamped as the acting principal.
	Subject string
	// TenantID scopes every operation the session performs.
	TenantID string
}

// ClaimsFromContext returns the verified claims, if the request passed JWTAuth.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// WithClaims attaches claims to ctx the way JWTAuth does.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// dashboardClaims is the wire shape of the dashboard token.
type dashboardClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTAuth verifies a Bearer token signed by the dashboard's key and attaches
// its claims to the request context. Tokens must carry a tenant_id claim and,
// when issuer is non-empty, match it.
func JWTAuth(pub crypto.PublicKey, issuer string) func(http.Handler) http.Handler {
	keyFunc := func(t *jwt.Token) (any, error) { return pub, nil }
	methods := jwt.WithValidMethods([]string{"RS256", "ES256"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			opts := []jwt.ParserOption{methods}
			if issuer != "" {
				opts = append(opts, jwt.WithIssuer(issuer))
			}
			var claims dashboardClaims
			token, err := jwt.ParseWithClaims(raw, &claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if claims.TenantID == "" || claims.Subject == "" {
				unauthorized(w, "token missing required claims")
				return
			}

			ctx := WithClaims(r.Context(), Claims{
				Subject:  claims.Subject,
				TenantID: claims.TenantID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"code":    "unauthenticated",
		"error":   map[string]string{"message": msg},
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs one line per request with method, path, status, and
// duration.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// Recover converts a handler panic into a 500 instead of killing the
// connection, logging the panic value with a stack.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"success":false,"code":"internal_error","error":{"message":"internal error"}}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
