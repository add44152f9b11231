// Package gateway orchestrates the per-request authentication flow: it
// resolves the caller, opens a session, checks capabilities and applies the
// rate limit, recording each step for audit.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/services/audit"
	"github.com/upb/assistant-auth-gateway/services/authz"
	"github.com/upb/assistant-auth-gateway/services/token"
)

// SessionStore is the session capability the gateway needs
type SessionStore interface {
	Create(ctx context.Context, identity *models.IdentityContext) (string, error)
	Get(ctx context.Context, id string) (*models.IdentityContext, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context, localID string) (int, error)
}

// RateLimiter is the admission capability the gateway needs
type RateLimiter interface {
	Admit(ctx context.Context, key string) (bool, error)
	Info(ctx context.Context, key string) (*models.RateLimitWindow, error)
}

// TokenIssuer signs and verifies bearer tokens
type TokenIssuer interface {
	Issue(identity *models.IdentityContext) (*token.Token, error)
	Verify(value string) (*token.Claims, error)
	Refresh(value string) (*token.Token, error)
}

// State is a step of the per-request flow
type State string

const (
	StateUnauthenticated  State = "UNAUTHENTICATED"
	StateIdentityResolved State = "IDENTITY_RESOLVED"
	StateSessionActive    State = "SESSION_ACTIVE"
	StateAuthorized       State = "AUTHORIZED"
	StateRejected         State = "REJECTED"
)

// Reason explains a rejection
type Reason string

const (
	ReasonNoMapping        Reason = "no_mapping"
	ReasonInactive         Reason = "inactive"
	ReasonStoreError       Reason = "store_error"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonInternalError    Reason = "internal_error"
)

// ErrSessionRevoked is returned for a correctly signed token whose session is
// gone: logged out, evicted, expired or revoked by a directory edit.
var ErrSessionRevoked = services.NewDomainError(services.ErrorTypeUnauthenticated, "session revoked or expired", nil)

// Request is one privileged call presented by the calling layer
type Request struct {
	ExternalID string
	Permission models.Permission
	IPAddress  string
}

// Decision is the outcome of Process
type Decision struct {
	State     State
	Reason    Reason
	Identity  *models.IdentityContext
	SessionID string
	Token     *token.Token
	// Err is set for store faults and carries the underlying cause
	Err error
}

// Allowed reports whether the request reached AUTHORIZED
func (d *Decision) Allowed() bool {
	return d.State == StateAuthorized
}

// Gateway is the authentication orchestrator
type Gateway struct {
	directory repositories.IdentityDirectory
	resolvers []Resolver
	sessions  SessionStore
	limiter   RateLimiter
	tokens    TokenIssuer
	audit     audit.Recorder
	metrics   observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithResolvers replaces the default directory resolver. Resolvers are tried in order.
func WithResolvers(resolvers ...Resolver) Option {
	return func(g *Gateway) { g.resolvers = resolvers }
}

// WithAudit sends auth events to rec
func WithAudit(rec audit.Recorder) Option {
	return func(g *Gateway) { g.audit = rec }
}

// WithMetrics records authentication and authorization outcomes
func WithMetrics(m observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway. The directory backs both the default resolver and provisioning.
func New(directory repositories.IdentityDirectory, sessions SessionStore, limiter RateLimiter, tokens TokenIssuer, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		directory: directory,
		sessions:  sessions,
		limiter:   limiter,
		tokens:    tokens,
		audit:     audit.Discard{},
		metrics:   observability.NopMetrics{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.resolvers) == 0 {
		g.resolvers = []Resolver{NewDirectoryResolver(directory)}
	}
	return g
}

func (g *Gateway) record(ctx context.Context, event *models.AuthEvent) {
	event.Timestamp = g.now().UTC()
	if event.RequestID == "" {
		event.RequestID = observability.RequestID(ctx)
	}
	g.audit.Record(event)
}

// resolve walks the resolver chain.
func (g *Gateway) resolve(ctx context.Context, externalID string) (*models.IdentityContext, Reason, error) {
	for _, r := range g.resolvers {
		identity, err := r.Resolve(ctx, externalID)
		if err != nil {
			return nil, ReasonStoreError, services.WrapStoreUnavailable("identity resolution failed", err)
		}
		if identity == nil {
			continue
		}
		if !identity.Active {
			return identity, ReasonInactive, nil
		}
		return identity, "", nil
	}
	return nil, ReasonNoMapping, nil
}

// authenticate resolves externalID and opens a session.
// A non-empty reason means the caller was rejected.
func (g *Gateway) authenticate(ctx context.Context, externalID, ip string) (*models.IdentityContext, Reason, error) {
	log := observability.WithContext(ctx, g.logger)

	if externalID == "" {
		g.metrics.RecordAuthentication(string(ReasonNoMapping))
		return nil, ReasonNoMapping, nil
	}

	identity, reason, err := g.resolve(ctx, externalID)
	if err != nil {
		log.Error("identity resolution failed", zap.String("external_id", externalID), zap.Error(err))
		g.metrics.RecordAuthentication(string(ReasonStoreError))
		g.record(ctx, models.NewAuthEvent(models.AuditActionAuthRejected).
			WithIdentity(externalID, "").
			WithReason(string(ReasonStoreError)).
			WithRequest(observability.RequestID(ctx), ip))
		return nil, reason, err
	}
	if reason != "" {
		localID := ""
		if identity != nil {
			localID = identity.LocalID
		}
		log.Warn("authentication rejected",
			zap.String("external_id", externalID),
			zap.String("reason", string(reason)))
		g.metrics.RecordAuthentication(string(reason))
		g.record(ctx, models.NewAuthEvent(models.AuditActionAuthRejected).
			WithIdentity(externalID, localID).
			WithReason(string(reason)).
			WithRequest(observability.RequestID(ctx), ip))
		return nil, reason, nil
	}

	sessionID, err := g.sessions.Create(ctx, identity)
	if err != nil {
		log.Error("session creation failed",
			zap.String("external_id", externalID),
			zap.String("local_id", identity.LocalID),
			zap.Error(err))
		g.metrics.RecordAuthentication(string(ReasonStoreError))
		return nil, ReasonStoreError, err
	}
	identity.SessionID = sessionID

	g.metrics.RecordAuthentication("success")
	g.record(ctx, models.NewAuthEvent(models.AuditActionAuthenticated).
		WithIdentity(externalID, identity.LocalID).
		WithSession(sessionID).
		WithRequest(observability.RequestID(ctx), ip))
	log.Info("caller authenticated",
		zap.String("external_id", externalID),
		zap.String("local_id", identity.LocalID),
		zap.String("session_id", sessionID))
	return identity, "", nil
}

// Authenticate resolves externalID to an identity and opens a session for it.
// Unknown and inactive callers yield (nil, nil); only infrastructure faults are errors.
func (g *Gateway) Authenticate(ctx context.Context, externalID string) (*models.IdentityContext, error) {
	identity, _, err := g.authenticate(ctx, externalID, "")
	return identity, err
}

// Authorize checks that identity holds perm. It is kept apart from Authenticate so
// callers can tell "not logged in" from "logged in but forbidden".
func (g *Gateway) Authorize(ctx context.Context, identity *models.IdentityContext, perm models.Permission) error {
	err := authz.Require(identity, perm)
	if err == nil {
		g.metrics.RecordAuthorization("granted")
		g.record(ctx, models.NewAuthEvent(models.AuditActionAuthorized).
			WithIdentity(identity.ExternalID, identity.LocalID).
			WithSession(identity.SessionID).
			WithDetails(map[string]string{"permission": string(perm)}))
		return nil
	}

	log := observability.WithContext(ctx, g.logger)
	details := map[string]string{"permission": string(perm)}

	// nil or inactive identities never reached the permission check
	if services.IsUnauthenticatedError(err) {
		g.metrics.RecordAuthorization("unauthenticated")
		event := models.NewAuthEvent(models.AuditActionAuthRejected).
			WithReason("unauthenticated").
			WithDetails(details)
		fields := []zap.Field{zap.String("permission", string(perm))}
		if identity != nil {
			event.WithIdentity(identity.ExternalID, identity.LocalID).WithSession(identity.SessionID)
			fields = append(fields, zap.String("local_id", identity.LocalID))
		}
		log.Warn("authorization without an active identity", fields...)
		g.record(ctx, event)
		return err
	}

	g.metrics.RecordAuthorization("denied")
	g.record(ctx, models.NewAuthEvent(models.AuditActionPermissionDenied).
		WithIdentity(identity.ExternalID, identity.LocalID).
		WithSession(identity.SessionID).
		WithReason(string(ReasonPermissionDenied)).
		WithDetails(details))
	log.Warn("permission denied",
		zap.String("permission", string(perm)),
		zap.String("local_id", identity.LocalID))
	return err
}

// Admit applies the rate limit to identity, keyed by its local id.
// A full window is (false, nil).
func (g *Gateway) Admit(ctx context.Context, identity *models.IdentityContext) (bool, error) {
	if identity == nil || identity.LocalID == "" {
		return false, services.ErrUnauthenticated
	}
	ok, err := g.limiter.Admit(ctx, identity.LocalID)
	if err != nil {
		return false, err
	}
	if !ok {
		g.record(ctx, models.NewAuthEvent(models.AuditActionRateLimited).
			WithIdentity(identity.ExternalID, identity.LocalID).
			WithSession(identity.SessionID).
			WithReason(string(ReasonRateLimited)))
	}
	return ok, nil
}

// RateLimitInfo reports the window for a local id without consuming it
func (g *Gateway) RateLimitInfo(ctx context.Context, localID string) (*models.RateLimitWindow, error) {
	return g.limiter.Info(ctx, localID)
}

// Process runs the whole flow for one privileged request and issues a bearer
// token when it ends AUTHORIZED.
func (g *Gateway) Process(ctx context.Context, req Request) *Decision {
	d := &Decision{State: StateUnauthenticated}

	identity, reason, err := g.authenticate(ctx, req.ExternalID, req.IPAddress)
	if reason != "" || err != nil {
		return g.reject(d, reason, err)
	}
	d.State = StateSessionActive
	d.Identity = identity
	d.SessionID = identity.SessionID

	if err := g.Authorize(ctx, identity, req.Permission); err != nil {
		if services.IsUnauthenticatedError(err) {
			return g.reject(d, ReasonInactive, err)
		}
		return g.reject(d, ReasonPermissionDenied, err)
	}

	ok, err := g.Admit(ctx, identity)
	if err != nil {
		return g.reject(d, ReasonStoreError, err)
	}
	if !ok {
		return g.reject(d, ReasonRateLimited, nil)
	}

	// signing is local, so a failure here is never a store fault
	tok, err := g.IssueToken(ctx, identity)
	if err != nil {
		return g.reject(d, ReasonInternalError, err)
	}
	d.Token = tok
	d.State = StateAuthorized
	return d
}

func (g *Gateway) reject(d *Decision, reason Reason, err error) *Decision {
	d.State = StateRejected
	d.Reason = reason
	d.Err = err
	return d
}

// Resume loads the identity of a live session and slides its expiry.
// Unknown or expired sessions yield (nil, nil).
func (g *Gateway) Resume(ctx context.Context, sessionID string) (*models.IdentityContext, error) {
	return g.sessions.Get(ctx, sessionID)
}

// Logout deletes a session. It reports whether the session was live.
func (g *Gateway) Logout(ctx context.Context, sessionID string) (bool, error) {
	identity, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	deleted, err := g.sessions.Delete(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if deleted {
		event := models.NewAuthEvent(models.AuditActionSessionDeleted).WithSession(sessionID)
		if identity != nil {
			event.WithIdentity(identity.ExternalID, identity.LocalID)
		}
		g.record(ctx, event)
	}
	return deleted, nil
}

// IssueToken signs a bearer token for identity
func (g *Gateway) IssueToken(ctx context.Context, identity *models.IdentityContext) (*token.Token, error) {
	tok, err := g.tokens.Issue(identity)
	if err != nil {
		return nil, err
	}
	g.record(ctx, models.NewAuthEvent(models.AuditActionTokenIssued).
		WithIdentity(identity.ExternalID, identity.LocalID).
		WithSession(identity.SessionID).
		WithDetails(map[string]string{"token_id": tok.ID}))
	return tok, nil
}

// RefreshToken exchanges a valid token for a new one bound to the same session.
// Expired or tampered tokens are refused with a token_expired or token_invalid
// error, and tokens whose session is gone with ErrSessionRevoked.
func (g *Gateway) RefreshToken(ctx context.Context, value string) (*token.Token, error) {
	log := observability.WithContext(ctx, g.logger)
	if _, err := g.VerifyToken(ctx, value); err != nil {
		log.Warn("token refresh refused", zap.Error(err))
		return nil, err
	}
	tok, err := g.tokens.Refresh(value)
	if err != nil {
		log.Warn("token refresh refused", zap.Error(err))
		return nil, err
	}
	g.record(ctx, models.NewAuthEvent(models.AuditActionTokenRefreshed).
		WithIdentity("", tok.LocalID).
		WithDetails(map[string]string{"token_id": tok.ID}))
	return tok, nil
}

// VerifyToken returns the identity behind a bearer token. The token must name a
// live session of the same local id, so deleting sessions (logout, eviction,
// deactivation, role or permission revocation) also cuts off the tokens issued for them.
// The identity returned is the session's snapshot.
func (g *Gateway) VerifyToken(ctx context.Context, value string) (*models.IdentityContext, error) {
	claims, err := g.tokens.Verify(value)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, services.ErrTokenInvalid
	}

	identity, err := g.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if identity == nil || identity.LocalID != claims.Subject {
		observability.WithContext(ctx, g.logger).Warn("token presented for a dead session",
			zap.String("local_id", claims.Subject),
			zap.String("session_id", claims.SessionID),
			zap.String("token_id", claims.ID))
		return nil, ErrSessionRevoked
	}
	return identity, nil
}

// mapDirectoryError turns repository errors into domain errors
func mapDirectoryError(message string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.ErrMappingNotFound
	}
	if errors.Is(err, repositories.ErrDuplicateLocalID) {
		return services.ErrDuplicateLocalID
	}
	return services.WrapStoreUnavailable(message, err)
}
