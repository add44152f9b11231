package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
	"go.uber.org/zap"
)

const auditColumns = `
		id, action, external_id, local_id, session_id, reason,
		request_id, ip_address, details, timestamp`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuthEvent) error {
	query := `
		INSERT INTO auth_audit_events (` + auditColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var details interface{}
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		string(event.Action),
		nullString(event.ExternalID),
		nullString(event.LocalID),
		nullString(event.SessionID),
		nullString(event.Reason),
		nullString(event.RequestID),
		nullString(event.IPAddress),
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("action", string(event.Action)))
	return nil
}

// ListByExternalID retrieves the newest events for one caller
func (r *AuditRepository) ListByExternalID(ctx context.Context, externalID string, limit, offset int) ([]*models.AuthEvent, error) {
	query := `SELECT` + auditColumns + `
		FROM auth_audit_events
		WHERE external_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryEvents(ctx, query, externalID, limit, offset)
}

// ListByAction retrieves the newest events of one kind
func (r *AuditRepository) ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuthEvent, error) {
	query := `SELECT` + auditColumns + `
		FROM auth_audit_events
		WHERE action = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryEvents(ctx, query, string(action), limit, offset)
}

func (r *AuditRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AuthEvent, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuthEvent
	for rows.Next() {
		var event models.AuthEvent
		var action string
		var externalID, localID, sessionID sql.NullString
		var reason, requestID, ipAddress sql.NullString
		var details []byte
		err := rows.Scan(
			&event.ID,
			&action,
			&externalID,
			&localID,
			&sessionID,
			&reason,
			&requestID,
			&ipAddress,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Action = models.AuditAction(action)
		event.ExternalID = externalID.String
		event.LocalID = localID.String
		event.SessionID = sessionID.String
		event.Reason = reason.String
		event.RequestID = requestID.String
		event.IPAddress = ipAddress.String
		if len(details) > 0 {
			event.Details = details
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
