// Package middleware carries the HTTP cross-cutting concerns: request
// logging, panic recovery, CORS, rate limiting, bearer-token authentication
// and scope enforcement.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"authserver/internal/auth"
	"authserver/internal/logging"
	"authserver/internal/monitoring"
	"authserver/internal/ratelimit"
	"authserver/internal/scopes"
)

type contextKey string

const tokenContextKey contextKey = "token_introspection"

type Middleware struct {
	tokens  *auth.Service
	metrics *monitoring.Service
	limiter ratelimit.Limiter
	logger  *logging.Logger
}

func New(tokens *auth.Service, metrics *monitoring.Service, limiter ratelimit.Limiter, logger *logging.Logger) *Middleware {
	return &Middleware{
		tokens:  tokens,
		metrics: metrics,
		limiter: limiter,
		logger:  logger,
	}
}

// Logger attaches a request id, records metrics and writes one structured
// line per request.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := logging.GenerateRequestID()
		ctx := logging.WithRequestID(r.Context(), requestID)
		ctx = logging.WithLogger(ctx, m.logger.WithRequestID(requestID))

		m.metrics.IncrementRequests()
		m.metrics.RecordEndpointRequest(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		m.metrics.RequestDone()
		m.metrics.RecordResponseTime(r.URL.Path, duration)

		entry := m.logger.InfoEvent()
		if wrapped.statusCode >= 500 {
			entry = m.logger.ErrorEvent()
		} else if wrapped.statusCode >= 400 {
			entry = m.logger.WarnEvent()
		}
		entry.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("remote", clientIP(r)).
			Msg("request")
	})
}

// PanicRecovery turns handler panics into 500s instead of dropped
// connections.
func (m *Middleware) PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				m.logger.ErrorEvent().
					Interface("panic", recovered).
					Str("path", r.URL.Path).
					Msg("handler panic")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := "*"
			if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
				allowed = ""
				for _, candidate := range allowedOrigins {
					if candidate == origin {
						allowed = origin
						break
					}
				}
				if allowed == "" {
					allowed = allowedOrigins[0]
				}
			}

			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit throttles by client IP using the configured limiter backend.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := m.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			// A broken limiter backend must not take the service down.
			m.logger.WithError(err).Warn("rate limiter unavailable, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetTime.Unix()))
		if !result.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", time.Until(result.ResetTime).Seconds()))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth admits only live bearer tokens and stashes the introspection
// result in the request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		introspection := m.tokens.Introspect(r.Context(), token)
		if !introspection.Active {
			m.metrics.RecordError("invalid_token")
			unauthorized(w, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), tokenContextKey, introspection)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a handler on a granted scope, honoring the wildcard.
func (m *Middleware) RequireScope(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			introspection := TokenFromContext(r.Context())
			if introspection == nil {
				unauthorized(w, "missing bearer token")
				return
			}
			if !scopes.HasScope(scopes.Split(introspection.Scope), required) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintf(w, `{"error":"insufficient_scope","scope":%q}`, required)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimit caps request bodies; oversized posts fail inside the
// handler's body read.
func (m *Middleware) RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// TokenFromContext returns the introspection result RequireAuth stored, or
// nil outside an authenticated request.
func TokenFromContext(ctx context.Context) *auth.IntrospectionResponse {
	introspection, _ := ctx.Value(tokenContextKey).(*auth.IntrospectionResponse)
	return introspection
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="oauth"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"invalid_token","error_description":%q}`, description)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
