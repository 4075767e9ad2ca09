// Package auth provides bearer JWT issuing and validation.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/appfs/pkg/protocol"
)

type contextKey string

const claimsContextKey contextKey = "claims"

const issuer = "appfs"

// Claims holds JWT token claims. An empty FileSystems list grants access to
// every file system.
type Claims struct {
	FileSystems []string `json:"file_systems,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants access to fileSystem.
func (c *Claims) Allows(fileSystem string) bool {
	return len(c.FileSystems) == 0 || slices.Contains(c.FileSystems, fileSystem)
}

// Auth signs and validates HS256 tokens with a shared secret.
type Auth struct {
	secret []byte
	now    func() time.Time
}

// New creates an Auth for secret.
func New(secret string) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Auth{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl. A zero ttl never expires.
func (a *Auth) Issue(subject string, ttl time.Duration, fileSystems ...string) (string, error) {
	now := a.now()
	claims := &Claims{
		FileSystems: fileSystems,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   issuer,
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and checks its signature and expiry.
func (a *Auth) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, protocol.KindUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.Validate(tokenStr)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, protocol.KindUnauthorized, "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFileSystem rejects requests whose token does not grant access to
// the {fs} path value.
func RequireFileSystem(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		fs := r.PathValue("fs")
		if claims == nil || !claims.Allows(fs) {
			sendAuthError(w, http.StatusForbidden, protocol.KindForbidden, "token does not grant access to "+fs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// SetBearer attaches token to an outgoing request header.
func SetBearer(h http.Header, token string) {
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		JavaException: kind,
		Message:       message,
	})
}
