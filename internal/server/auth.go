package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"portability/internal/domain"
)

// RoleAdmin may approve, deny and see every request and job.
const RoleAdmin = "admin"

// SubjectOwnerType is the owner type of an authenticated data subject. A
// non-admin principal only ever acts as owner {SubjectOwnerType, subject}.
const SubjectOwnerType = "user"

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id / X-Actor-Roles without a token. Local use only.
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
	// Attributes are the owner attributes asserted by the token issuer.
	Attributes map[string]string
}

func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// Owner is the owner reference of the principal acting as a data subject.
func (p Principal) Owner() domain.Owner {
	return domain.Owner{Type: SubjectOwnerType, ID: p.ActorID, Attributes: p.Attributes}
}

// Owns reports whether the principal is the data subject or the requester of req.
func (p Principal) Owns(req domain.Request) bool {
	if p.ActorID == "" {
		return false
	}
	return req.Owner.Key() == p.Owner().Key() || req.RequestedBy == p.ActorID
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func requireAdmin(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return p, err
	}
	if !p.IsAdmin() {
		return p, newAPIError(http.StatusForbidden, "forbidden", "admin role required", map[string]any{"role": RoleAdmin})
	}
	return p, nil
}

// requireAccess allows admins and the owner or requester of req.
func requireAccess(p Principal, req domain.Request) huma.StatusError {
	if p.IsAdmin() || p.Owns(req) {
		return nil
	}
	// hide other owners' requests
	return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles      []string          `json:"roles,omitempty"`
	Email      string            `json:"email,omitempty"`
	Attributes map[string]string `json:"owner_attributes,omitempty"`
}

func (c *jwtClaims) ownerAttributes() map[string]string {
	if len(c.Attributes) == 0 && c.Email == "" {
		return nil
	}
	attrs := make(map[string]string, len(c.Attributes)+1)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	if c.Email != "" {
		attrs["email"] = c.Email
	}
	return attrs
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
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt", Attributes: claims.ownerAttributes()}, nil
}

// SignToken mints an HS256 token for subject with the given roles.
func SignToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	return SignOwnerToken(secret, subject, roles, nil, ttl)
}

// SignOwnerToken is SignToken carrying owner attributes (email, name, ...) the
// server uses as the subject's attribute snapshot.
func SignOwnerToken(secret, subject string, roles []string, attrs map[string]string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles:      roles,
		Attributes: attrs,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func splitRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == path.Join(basePath, "openapi.json") {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				cfg.logger().Printf("WARNING: trusting X-Actor-Id header without a token (actor_id=%s)", legacyActor)
				ctx := withPrincipal(req.Context(), Principal{
					ActorID: legacyActor,
					Roles:   splitRoles(req.Header.Get("X-Actor-Roles")),
					Source:  "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
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
