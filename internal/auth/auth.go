// Package auth issues and verifies the bearer tokens that identify callers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowledger/internal/identity"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey struct{}

// Service signs and parses HS256 caller tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: secret, ttl: ttl}
}

// Token generates a signed token for the caller.
func (s *Service) Token(caller identity.Caller) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    caller.UserID,
		"email":  caller.Email,
		"wallet": caller.Wallet,
		"iat":    now.Unix(),
		"exp":    now.Add(s.ttl).Unix(),
	})
	return token.SignedString(s.secret)
}

// CallerFromToken verifies the token and extracts the caller identity.
func (s *Service) CallerFromToken(tokenString string) (identity.Caller, error) {
	if tokenString == "" {
		return identity.Caller{}, ErrNoToken
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return identity.Caller{}, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return identity.Caller{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return identity.Caller{}, ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	wallet, _ := claims["wallet"].(string)
	return identity.Caller{UserID: sub, Email: email, Wallet: wallet}, nil
}

// Middleware authenticates the request and stores the caller in the request
// context. Requests without a valid bearer token get 401.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		caller, err := s.CallerFromToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller returns a context carrying the caller.
func WithCaller(ctx context.Context, caller identity.Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// CallerFrom extracts the caller stored by Middleware.
func CallerFrom(ctx context.Context) (identity.Caller, bool) {
	caller, ok := ctx.Value(contextKey{}).(identity.Caller)
	return caller, ok
}
