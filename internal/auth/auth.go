// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
)

const issuer = "windtwin-relay"

// AuthManager issues and checks hub access tokens, ingest API keys and
// viewer credentials.
type AuthManager struct {
	config config.AuthConfig
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	ConnectionID string `json:"cid,omitempty"`
	jwt.StandardClaims
}

type contextKey struct{}

// NewAuthManager creates a new authentication manager
func NewAuthManager(cfg config.AuthConfig) *AuthManager {
	return &AuthManager{config: cfg, now: time.Now}
}

// RequiresAPIKey reports whether ingest requests must carry an API key.
func (am *AuthManager) RequiresAPIKey() bool {
	return len(am.config.APIKeys) > 0
}

// RequiresLogin reports whether negotiate requests must carry credentials.
func (am *AuthManager) RequiresLogin() bool {
	return len(am.config.Users) > 0
}

// GenerateJWT creates a hub access token bound to a connection id.
func (am *AuthManager) GenerateJWT(username, role, connectionID string) (string, time.Time, error) {
	now := am.now()
	expiresAt := now.Add(time.Duration(am.config.JWTExpiration) * time.Minute)

	claims := &Claims{
		Username:     username,
		Role:         role,
		ConnectionID: connectionID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateJWT validates the JWT token
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrAuth, err)
	}
	if !token.Valid || claims.Issuer != issuer {
		return nil, fmt.Errorf("%w: invalid token", data.ErrAuth)
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (am *AuthManager) ValidateAPIKey(apiKey string) bool {
	for _, validKey := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return true
		}
	}
	return false
}

// AuthenticateUser validates username and password and returns the role.
func (am *AuthManager) AuthenticateUser(username, password string) (string, error) {
	for _, user := range am.config.Users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return "", fmt.Errorf("%w: invalid password", data.ErrAuth)
		}
		return user.Role, nil
	}
	return "", fmt.Errorf("%w: user not found", data.ErrAuth)
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// ClaimsFromContext returns the claims JWTMiddleware attached to ctx.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// JWTMiddleware admits requests carrying a valid hub token, either as a
// bearer header or as the access_token query parameter browsers use for
// websocket upgrades.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := am.ValidateJWT(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyMiddleware checks X-API-Key. With no keys configured every request
// is admitted.
func (am *AuthManager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.RequiresAPIKey() {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "API key required", http.StatusUnauthorized)
			return
		}
		if !am.ValidateAPIKey(apiKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}
