// Package middleware provides HTTP middleware for the fusion gateway.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"aifusion/internal/auth"
)

type contextKey string

// AuthContextKey is the context key for storing authentication info
const AuthContextKey contextKey = "auth"

// AuthInfo is the authenticated user attached to a request context. Email
// is the owner identity for chats, preferences and quota.
type AuthInfo struct {
	TokenID         string
	Email           string
	DisplayName     string
	ExpiresAt       *time.Time
	Source          auth.TokenSource
	AuthenticatedAt time.Time
}

// GetAuthInfo retrieves authentication info from the request context
// Returns nil if the request is not authenticated
func GetAuthInfo(ctx context.Context) *AuthInfo {
	if info, ok := ctx.Value(AuthContextKey).(*AuthInfo); ok {
		return info
	}
	return nil
}

// WithAuthInfo returns a copy of ctx carrying info.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, AuthContextKey, info)
}

// AuthError is an authentication failure as sent to clients. Messages stay
// generic so responses do not reveal why a token was refused.
type AuthError struct {
	Code    int    `json:"-"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrMissingToken   = AuthError{Code: http.StatusUnauthorized, Error: "unauthorized", Message: "Authentication required"}
	ErrMalformedToken = AuthError{Code: http.StatusUnauthorized, Error: "unauthorized", Message: "Authentication required"}
	ErrInvalidToken   = AuthError{Code: http.StatusForbidden, Error: "forbidden", Message: "Access denied"}
	ErrExpiredToken   = AuthError{Code: http.StatusForbidden, Error: "forbidden", Message: "Access denied"}
)

// TokenValidator resolves a raw token to its identity.
type TokenValidator interface {
	ValidateToken(rawToken string) (*auth.TokenInfo, error)
}

// authenticate runs extraction and validation shared by HTTP and WebSocket.
func authenticate(v TokenValidator, extractor *auth.TokenExtractor, r *http.Request, component string) (*AuthInfo, *AuthError) {
	extracted := extractor.Extract(r)
	if extracted.Token == "" {
		if extracted.IsMalformed {
			log.Printf("[%s] Malformed token from %s (source: %s)", component, r.RemoteAddr, extracted.Source)
			return nil, &ErrMalformedToken
		}
		return nil, &ErrMissingToken
	}

	info, err := v.ValidateToken(extracted.Token)
	if err != nil {
		log.Printf("[%s] Token validation failed from %s (source: %s): %s",
			component, r.RemoteAddr, extracted.Source, sanitizeError(err))
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, &ErrExpiredToken
		}
		return nil, &ErrInvalidToken
	}

	return &AuthInfo{
		TokenID:         info.TokenID,
		Email:           info.Email,
		DisplayName:     info.DisplayName,
		ExpiresAt:       info.ExpiresAt,
		Source:          extracted.Source,
		AuthenticatedAt: time.Now(),
	}, nil
}

// AuthMiddleware provides HTTP authentication middleware
type AuthMiddleware struct {
	validator   TokenValidator
	extractor   *auth.TokenExtractor
	skipPaths   map[string]bool
	onAuthError func(r *http.Request, err AuthError)
}

// AuthMiddlewareConfig contains configuration for AuthMiddleware
type AuthMiddlewareConfig struct {
	// SkipPaths don't require authentication (health checks).
	SkipPaths   []string
	OnAuthError func(r *http.Request, err AuthError)
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator TokenValidator, config AuthMiddlewareConfig) *AuthMiddleware {
	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}
	return &AuthMiddleware{
		validator:   validator,
		extractor:   auth.NewTokenExtractor(),
		skipPaths:   skipPaths,
		onAuthError: config.OnAuthError,
	}
}

// Wrap wraps an http.Handler with authentication
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		info, authErr := authenticate(m.validator, m.extractor, r, "Auth")
		if authErr != nil {
			m.sendError(w, r, *authErr)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
	})
}

func (m *AuthMiddleware) sendError(w http.ResponseWriter, r *http.Request, authErr AuthError) {
	if m.onAuthError != nil {
		m.onAuthError(r, authErr)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fusion"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(authErr.Code)

	if err := json.NewEncoder(w).Encode(authErr); err != nil {
		log.Printf("[Auth] Failed to encode error response: %v", err)
	}
}

// sanitizeError reduces validation errors to a fixed vocabulary for logs.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid token"
	default:
		return "validation failed"
	}
}
