// Package auth validates the session tokens minted by the conversational
// front end. Tokens are HS256 JWTs whose subject is the session id; the
// gateway derives authorization and notification routing from it.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SessionIDKey is the context key under which the middleware stores the
// authenticated session id.
const SessionIDKey contextKey = "session_id"

// SessionValidator verifies session tokens against the shared secret.
type SessionValidator struct {
	secret []byte
}

func NewSessionValidator(secret string) (*SessionValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("session token secret is empty")
	}
	return &SessionValidator{secret: []byte(secret)}, nil
}

// ValidateToken parses the token and returns the session id from the
// subject claim.
func (v *SessionValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no session subject")
	}
	return sub, nil
}

// MintToken issues a session token. Used by pilotctl and tests; in
// production the front end holds the same secret.
func MintToken(secret, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// Middleware rejects requests without a valid bearer token and stores the
// session id in the request context.
func (v *SessionValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":{"code":"UNAUTHENTICATED","message":"missing bearer token"}}`, http.StatusUnauthorized)
			return
		}
		sessionID, err := v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, `{"error":{"code":"UNAUTHENTICATED","message":"invalid session token"}}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), SessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext returns the session id set by Middleware.
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}
