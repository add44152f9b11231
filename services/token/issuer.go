// Package token issues and verifies the stateless bearer tokens that carry
// identity and authorization claims between the gateway and its callers.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
)

var (
	// ErrExpired is returned for a well-formed, correctly signed token past its expiry
	ErrExpired = errors.New("token expired")

	// ErrMalformed is returned when the token cannot be decoded or lacks required claims
	ErrMalformed = errors.New("token malformed")

	// ErrSignatureInvalid is returned when the signature or algorithm does not match
	ErrSignatureInvalid = errors.New("token signature invalid")
)

// Claims is the signed claim set. Subject carries the local id, ID the unique
// token id and SessionID the session the token was issued for.
type Claims struct {
	jwt.RegisteredClaims
	SessionID   string              `json:"sid,omitempty"`
	ExternalID  string              `json:"external_id"`
	Email       string              `json:"email,omitempty"`
	Name        string              `json:"name,omitempty"`
	Roles       []models.Role       `json:"roles"`
	Permissions []models.Permission `json:"permissions"`
}

// Token is an issued bearer token and the metadata callers need without re-parsing it.
type Token struct {
	Value     string    `json:"token"`
	ID        string    `json:"token_id"`
	LocalID   string    `json:"local_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs and verifies tokens with a shared HMAC secret. It never touches a store.
type Issuer struct {
	secret   []byte
	method   jwt.SigningMethod
	lifetime time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  observability.Metrics
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithMetrics counts issued and refreshed tokens.
func WithMetrics(m observability.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates an Issuer from the auth settings.
func NewIssuer(cfg config.AuthConfig, logger *zap.Logger, opts ...Option) (*Issuer, error) {
	method := jwt.GetSigningMethod(cfg.SigningAlgorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.SigningAlgorithm)
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("signing secret is required")
	}
	if cfg.TokenLifetime <= 0 {
		return nil, errors.New("token lifetime must be positive")
	}

	i := &Issuer{
		secret:   []byte(cfg.SigningSecret),
		method:   method,
		lifetime: cfg.TokenLifetime,
		now:      time.Now,
		logger:   logger,
		metrics:  observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a new token for identity with a fresh token id.
func (i *Issuer) Issue(identity *models.IdentityContext) (*Token, error) {
	if identity == nil || identity.LocalID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "identity without local id", nil)
	}
	tok, err := i.sign(claimsFor(identity))
	if err != nil {
		return nil, err
	}
	i.metrics.RecordTokenIssued("issue")
	return tok, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
// Errors match ErrExpired, ErrMalformed or ErrSignatureInvalid, and the
// matching services token error type.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, &verifyError{kind: ErrMalformed, domain: services.ErrTokenInvalid, cause: errors.New("missing subject or token id")}
	}
	return claims, nil
}

// Refresh verifies tokenString and issues a new token with identical identity
// claims, a new expiry and a new token id. The presented token stays valid
// until its own expiry. Expired or tampered tokens are refused.
func (i *Issuer) Refresh(tokenString string) (*Token, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		i.logger.Warn("token refresh refused", zap.Error(err))
		return nil, err
	}

	next := &Claims{
		SessionID:   claims.SessionID,
		ExternalID:  claims.ExternalID,
		Email:       claims.Email,
		Name:        claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
	next.Subject = claims.Subject

	tok, err := i.sign(next)
	if err != nil {
		return nil, err
	}
	i.metrics.RecordTokenIssued("refresh")
	i.logger.Debug("token refreshed",
		zap.String("local_id", claims.Subject),
		zap.String("previous_token_id", claims.ID),
		zap.String("token_id", tok.ID),
	)
	return tok, nil
}

func (i *Issuer) sign(claims *Claims) (*Token, error) {
	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.lifetime)

	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	value, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return nil, services.WrapInternal("failed to sign token", err)
	}

	return &Token{
		Value:     value,
		ID:        claims.ID,
		LocalID:   claims.Subject,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

func claimsFor(identity *models.IdentityContext) *Claims {
	c := &Claims{
		SessionID:   identity.SessionID,
		ExternalID:  identity.ExternalID,
		Email:       identity.Email,
		Name:        identity.DisplayName,
		Roles:       append([]models.Role(nil), identity.Roles...),
		Permissions: append([]models.Permission(nil), identity.Permissions...),
	}
	c.Subject = identity.LocalID
	return c
}

// ToContext rebuilds an identity view from verified claims.
func (c *Claims) ToContext() *models.IdentityContext {
	return &models.IdentityContext{
		LocalID:     c.Subject,
		ExternalID:  c.ExternalID,
		SessionID:   c.SessionID,
		Email:       c.Email,
		DisplayName: c.Name,
		Roles:       append([]models.Role(nil), c.Roles...),
		Permissions: append([]models.Permission(nil), c.Permissions...),
		Active:      true,
	}
}

// verifyError carries the token-level kind, the services error type and the jwt cause.
type verifyError struct {
	kind   error
	domain error
	cause  error
}

func (e *verifyError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *verifyError) Unwrap() []error {
	return []error{e.kind, e.domain, e.cause}
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &verifyError{kind: ErrExpired, domain: services.ErrTokenExpired, cause: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &verifyError{kind: ErrSignatureInvalid, domain: services.ErrTokenInvalid, cause: err}
	default:
		return &verifyError{kind: ErrMalformed, domain: services.ErrTokenInvalid, cause: err}
	}
}
