package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig enables bearer authentication when JWTSecret is set.
// RegistrationToken guards the collaborator registration endpoints.
type AuthConfig struct {
	JWTSecret         string
	RegistrationToken string
}

func (c AuthConfig) enabled() bool { return strings.TrimSpace(c.JWTSecret) != "" }

// Principal is the authenticated caller. An empty TenantID grants access
// to every tenant.
type Principal struct {
	Subject  string
	TenantID string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID}, nil
}

// authorizeTenant rejects callers whose token is bound to another tenant.
func authorizeTenant(ctx context.Context, tenantID string) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.TenantID == "" || p.TenantID == tenantID {
		return nil
	}
	return newAPIError(http.StatusForbidden, "tenant_forbidden", "token is not valid for this tenant",
		map[string]any{"tenant_id": tenantID})
}

func checkRegistrationToken(cfg AuthConfig, provided string) error {
	if cfg.RegistrationToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(cfg.RegistrationToken), []byte(provided)) == 1 {
		return nil
	}
	return newAPIError(http.StatusUnauthorized, "invalid_registration_token", "registration token required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires a valid bearer token on every API route except
// probes and docs. Registration routes skip it only when a registration
// token guards them instead.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join("/", basePath, "health"):       true,
		path.Join("/", basePath, "health/ready"): true,
		path.Join("/", basePath, "openapi.json"): true,
		"/docs":                                  true,
	}
	capabilities := path.Join("/", basePath, "capabilities")
	return func(next http.Handler) http.Handler {
		if !cfg.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			if cfg.RegistrationToken != "" && req.Method != http.MethodGet && strings.HasPrefix(req.URL.Path, capabilities) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
