package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionSignatureRejected  AuditAction = "signature_rejected"
	AuditActionAuthenticated      AuditAction = "authenticated"
	AuditActionAuthRejected       AuditAction = "authentication_rejected"
	AuditActionAuthorized         AuditAction = "authorized"
	AuditActionPermissionDenied   AuditAction = "permission_denied"
	AuditActionRateLimited        AuditAction = "rate_limited"
	AuditActionSessionCreated     AuditAction = "session_created"
	AuditActionSessionDeleted     AuditAction = "session_deleted"
	AuditActionSessionEvicted     AuditAction = "session_evicted"
	AuditActionTokenIssued        AuditAction = "token_issued"
	AuditActionTokenRefreshed     AuditAction = "token_refreshed"
	AuditActionMappingUpdated     AuditAction = "mapping_updated"
	AuditActionMappingDeactivated AuditAction = "mapping_deactivated"
)

// AuthEvent is one entry of the authentication audit trail
type AuthEvent struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Action     AuditAction     `json:"action" db:"action"`
	ExternalID string          `json:"external_id,omitempty" db:"external_id"`
	LocalID    string          `json:"local_id,omitempty" db:"local_id"`
	SessionID  string          `json:"session_id,omitempty" db:"session_id"`
	Reason     string          `json:"reason,omitempty" db:"reason"`
	RequestID  string          `json:"request_id,omitempty" db:"request_id"`
	IPAddress  string          `json:"ip_address,omitempty" db:"ip_address"`
	Details    json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for flexible metadata
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuthEvent model
func (AuthEvent) TableName() string {
	return "auth_audit_events"
}

// NewAuthEvent creates a new AuthEvent instance
func NewAuthEvent(action AuditAction) *AuthEvent {
	return &AuthEvent{
		ID:        uuid.New(),
		Action:    action,
		Timestamp: time.Now(),
	}
}

// WithIdentity sets the external and local ids
func (e *AuthEvent) WithIdentity(externalID, localID string) *AuthEvent {
	e.ExternalID = externalID
	e.LocalID = localID
	return e
}

// WithSession sets the session id
func (e *AuthEvent) WithSession(sessionID string) *AuthEvent {
	e.SessionID = sessionID
	return e
}

// WithReason sets the rejection reason
func (e *AuthEvent) WithReason(reason string) *AuthEvent {
	e.Reason = reason
	return e
}

// WithDetails sets the details
func (e *AuthEvent) WithDetails(details interface{}) *AuthEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// WithRequest sets request metadata
func (e *AuthEvent) WithRequest(requestID, ipAddress string) *AuthEvent {
	e.RequestID = requestID
	e.IPAddress = ipAddress
	return e
}
