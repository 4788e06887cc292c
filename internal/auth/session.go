package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/packsync/packsync/internal/syncerr"
)

type contextKey string

const sessionContextKey contextKey = "session"

// Claims binds a JWT to a user identity and the connection it was
// issued for.
type Claims struct {
	UID    string `json:"uid"`
	Uname  string `json:"uname"`
	ConnID string `json:"conn_id"`
	jwt.RegisteredClaims
}

// Sessions issues and validates HMAC session tokens. A token is
// minted once per connect and carries the connection id used to
// exclude the originator from refresh broadcasts.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a session manager with the given signing secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: 30 * 24 * time.Hour}
}

// Issue signs a token for the given identity and connection.
func (s *Sessions) Issue(uid, uname, connID string) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		UID:    uid,
		Uname:  uname,
		ConnID: connID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "packsync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Validate parses and verifies a token string.
func (s *Sessions) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware validates the bearer token and stores claims in the
// request context.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := s.Validate(tokenStr)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts session claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(sessionContextKey).(*Claims)
	return claims
}

// WithClaims returns a context carrying the given claims. Used by
// tests and by handlers that re-dispatch internally.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, sessionContextKey, claims)
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for SSE clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    string(syncerr.CodeDenyAuth),
			"message": message,
		},
	})
}
