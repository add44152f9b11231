package middleware

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the authenticated identity
	IdentityKey contextKey = "identity"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context, for handlers and for loggers
// built with observability.WithContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	return observability.ContextWithRequestID(ctx, requestID)
}

// GetIdentityFromContext retrieves the identity placed by RequireAuth
func GetIdentityFromContext(ctx context.Context) *models.IdentityContext {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*models.IdentityContext); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds an identity to the context
func WithIdentity(ctx context.Context, identity *models.IdentityContext) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// RequestID copies the id assigned by chi's RequestID middleware into our context keys
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimw.GetReqID(r.Context())
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
