package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aifusion/internal/config"
	"aifusion/internal/ratelimit"
)

// RateLimitMiddleware limits requests per authenticated email, falling back
// to the client IP for anonymous requests.
type RateLimitMiddleware struct {
	anonymous     *ratelimit.SlidingWindow
	authenticated *ratelimit.SlidingWindow
	config        config.RateLimitingConfig
	onExceeded    func(r *http.Request, identifier string, isAnonymous bool)
}

// NewRateLimitMiddleware creates a new rate limiting middleware
func NewRateLimitMiddleware(cfg config.RateLimitingConfig, onExceeded func(r *http.Request, identifier string, isAnonymous bool)) *RateLimitMiddleware {
	m := &RateLimitMiddleware{config: cfg, onExceeded: onExceeded}
	if !cfg.Enabled {
		return m
	}

	cleanup := time.Duration(cfg.CleanupIntervalSeconds) * time.Second
	m.anonymous = ratelimit.NewSlidingWindow(
		time.Duration(cfg.Anonymous.WindowSeconds)*time.Second, cfg.Anonymous.MaxRequests, cleanup)
	m.authenticated = ratelimit.NewSlidingWindow(
		time.Duration(cfg.Authenticated.WindowSeconds)*time.Second, cfg.Authenticated.MaxRequests, cleanup)
	return m
}

// Allow applies the limit outside the HTTP chain; the gateway uses it per
// WebSocket chat message.
func (m *RateLimitMiddleware) Allow(email string) bool {
	if !m.config.Enabled {
		return true
	}
	return m.authenticated.Allow(email).Allowed
}

// Wrap wraps an http.Handler with rate limiting. It must run inside the
// auth middleware to see the authenticated identity.
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		identifier, limit, limiter, isAnonymous := extractClientIP(r), m.config.Anonymous.MaxRequests, m.anonymous, true
		if info := GetAuthInfo(r.Context()); info != nil {
			identifier, limit, limiter, isAnonymous = info.Email, m.config.Authenticated.MaxRequests, m.authenticated, false
		}

		d := limiter.Allow(identifier)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			if m.onExceeded != nil {
				m.onExceeded(r, identifier, isAnonymous)
			}
			log.Printf("[RateLimit] Rate limit exceeded: %s %s (identifier: %s)",
				r.Method, r.URL.Path, sanitizeIdentifier(identifier, isAnonymous))
			sendRateLimitError(w, d.RetryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sendRateLimitError(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusTooManyRequests)

	body := struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
	}{"rate_limit_exceeded", "Rate limit exceeded. Try again later.", retryAfter}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[RateLimit] Failed to encode error response: %v", err)
	}
}

// extractClientIP prefers X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizeIdentifier masks IPs for logging; emails are logged as-is.
func sanitizeIdentifier(identifier string, isAnonymous bool) string {
	if !isAnonymous {
		return identifier
	}
	ip := net.ParseIP(identifier)
	switch {
	case ip == nil:
		return "IP_ADDR"
	case ip.To4() != nil:
		parts := strings.Split(identifier, ".")
		return parts[0] + "." + parts[1] + ".*.*"
	default:
		return strings.Split(identifier, ":")[0] + "::*"
	}
}

// Stop stops the limiters' cleanup goroutines.
func (m *RateLimitMiddleware) Stop() {
	if m.anonymous != nil {
		m.anonymous.Stop()
	}
	if m.authenticated != nil {
		m.authenticated.Stop()
	}
}

// Stats reports bucket counts for the health endpoint.
func (m *RateLimitMiddleware) Stats() map[string]any {
	if !m.config.Enabled {
		return map[string]any{"enabled": false}
	}
	anon, authed := m.anonymous.GetStats(), m.authenticated.GetStats()
	return map[string]any{
		"enabled":               true,
		"anonymous_buckets":     anon.ActiveBuckets,
		"authenticated_buckets": authed.ActiveBuckets,
	}
}
