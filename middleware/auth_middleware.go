package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/services/authz"
	"github.com/upb/assistant-auth-gateway/utils"
)

// TokenVerifier turns a bearer token into the identity of its live session
type TokenVerifier interface {
	VerifyToken(ctx context.Context, value string) (*models.IdentityContext, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(verifier TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// RequireAuth is a middleware that requires a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		identity, err := m.verifier.VerifyToken(ctx, token)
		if err != nil {
			if services.IsStoreUnavailableError(err) {
				m.logger.Error("session lookup failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteServiceUnavailable(w, "")
				return
			}
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			switch {
			case services.IsTokenExpiredError(err):
				_ = utils.WriteError(w, http.StatusUnauthorized, "Token expired", map[string]interface{}{"reason": "token_expired"})
			case services.IsUnauthenticatedError(err):
				_ = utils.WriteError(w, http.StatusUnauthorized, "Session revoked or expired", map[string]interface{}{"reason": "session_revoked"})
			default:
				_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			}
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("local_id", identity.LocalID))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// RequirePermission is a middleware that requires perm on the authenticated identity.
// It must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			identity := GetIdentityFromContext(ctx)
			if identity == nil {
				m.logger.Error("identity not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if err := authz.Require(identity, perm); err != nil {
				if services.IsUnauthenticatedError(err) {
					_ = utils.WriteUnauthorized(w, "Identity is not active")
					return
				}
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("local_id", identity.LocalID),
					zap.String("required_permission", string(perm)))
				_ = utils.WriteError(w, http.StatusForbidden, "Insufficient permissions", services.GetErrorDetails(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
