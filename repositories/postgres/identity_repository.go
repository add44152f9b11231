package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE Postgres reports for a duplicate key
const uniqueViolation = "23505"

const mappingColumns = `
		slack_user_id, internal_user_id, ldap_id, email, full_name,
		roles, extra_permissions, permissions, is_active, metadata,
		created_at, updated_at`

// IdentityRepository implements repositories.IdentityDirectory on Postgres
type IdentityRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *DB, tm repositories.TransactionManager, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{
		db:     db,
		tm:     tm,
		logger: logger,
	}
}

// GetMapping retrieves a mapping by chat-platform id
func (r *IdentityRepository) GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
	query := `SELECT` + mappingColumns + `
		FROM user_mappings
		WHERE slack_user_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	mapping, err := scanMapping(executor.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return mapping, nil
}

// GetMappingByLocalID retrieves the mapping that owns localID
func (r *IdentityRepository) GetMappingByLocalID(ctx context.Context, localID string) (*models.IdentityMapping, error) {
	query := `SELECT` + mappingColumns + `
		FROM user_mappings
		WHERE internal_user_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	mapping, err := scanMapping(executor.QueryRowContext(ctx, query, localID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mapping by local id: %w", err)
	}
	return mapping, nil
}

// CreateOrUpdateMapping upserts by chat-platform id. created_at survives updates.
func (r *IdentityRepository) CreateOrUpdateMapping(ctx context.Context, mapping *models.IdentityMapping) error {
	query := `
		INSERT INTO user_mappings (
			slack_user_id, internal_user_id, ldap_id, email, full_name,
			roles, extra_permissions, permissions, is_active, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slack_user_id) DO UPDATE SET
			internal_user_id = EXCLUDED.internal_user_id,
			ldap_id = EXCLUDED.ldap_id,
			email = EXCLUDED.email,
			full_name = EXCLUDED.full_name,
			roles = EXCLUDED.roles,
			extra_permissions = EXCLUDED.extra_permissions,
			permissions = EXCLUDED.permissions,
			is_active = EXCLUDED.is_active,
			metadata = EXCLUDED.metadata,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`

	args, err := mappingArgs(mapping)
	if err != nil {
		return err
	}

	executor := GetExecutor(ctx, r.db)
	err = executor.QueryRowContext(ctx, query, args...).Scan(&mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicateLocalID
		}
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	r.logger.Debug("identity mapping stored",
		zap.String("external_id", mapping.ExternalID),
		zap.String("local_id", mapping.LocalID))
	return nil
}

// UpdateMapping locks the row, applies fn and writes the result back in one transaction
func (r *IdentityRepository) UpdateMapping(ctx context.Context, externalID string, fn func(*models.IdentityMapping) error) (*models.IdentityMapping, error) {
	selectQuery := `SELECT` + mappingColumns + `
		FROM user_mappings
		WHERE slack_user_id = $1
		FOR UPDATE
	`
	updateQuery := `
		UPDATE user_mappings
		SET internal_user_id = $2, ldap_id = $3, email = $4, full_name = $5,
		    roles = $6, extra_permissions = $7, permissions = $8,
		    is_active = $9, metadata = $10, updated_at = CURRENT_TIMESTAMP
		WHERE slack_user_id = $1
		RETURNING updated_at
	`

	var updated *models.IdentityMapping
	err := r.tm.InTransaction(ctx, func(txCtx context.Context, tx repositories.Transaction) error {
		executor := GetExecutor(txCtx, r.db)

		mapping, err := scanMapping(executor.QueryRowContext(txCtx, selectQuery, externalID))
		if err != nil {
			if err == sql.ErrNoRows {
				return repositories.ErrNotFound
			}
			return fmt.Errorf("failed to lock mapping: %w", err)
		}

		if err := fn(mapping); err != nil {
			return err
		}
		mapping.ExternalID = externalID

		args, err := mappingArgs(mapping)
		if err != nil {
			return err
		}
		if err := executor.QueryRowContext(txCtx, updateQuery, args...).Scan(&mapping.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return repositories.ErrDuplicateLocalID
			}
			return fmt.Errorf("failed to update mapping: %w", err)
		}
		updated = mapping
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetActive flips the active flag
func (r *IdentityRepository) SetActive(ctx context.Context, externalID string, active bool) error {
	query := `
		UPDATE user_mappings
		SET is_active = $2, updated_at = CURRENT_TIMESTAMP
		WHERE slack_user_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, externalID, active)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return expectOneRow(result)
}

// DeleteMapping removes a mapping
func (r *IdentityRepository) DeleteMapping(ctx context.Context, externalID string) error {
	query := `DELETE FROM user_mappings WHERE slack_user_id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}

	r.logger.Info("identity mapping deleted", zap.String("external_id", externalID))
	return nil
}

// ListMappings returns mappings ordered by chat-platform id
func (r *IdentityRepository) ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error) {
	query := `SELECT` + mappingColumns + `
		FROM user_mappings
		WHERE ($1 = false OR is_active = true)
		ORDER BY slack_user_id
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.IdentityMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// Ping checks connectivity
func (r *IdentityRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner) (*models.IdentityMapping, error) {
	var m models.IdentityMapping
	var ldapID, email, fullName sql.NullString
	var roles, extras, perms, meta []byte
	err := row.Scan(
		&m.ExternalID,
		&m.LocalID,
		&ldapID,
		&email,
		&fullName,
		&roles,
		&extras,
		&perms,
		&m.Active,
		&meta,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.DirectoryID = ldapID.String
	m.Email = email.String
	m.FullName = fullName.String

	if err := unmarshalColumn(roles, &m.Roles); err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	if err := unmarshalColumn(extras, &m.ExtraPermissions); err != nil {
		return nil, fmt.Errorf("extra_permissions: %w", err)
	}
	if err := unmarshalColumn(perms, &m.Permissions); err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	if err := unmarshalColumn(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if m.Roles == nil {
		m.Roles = []models.Role{}
	}
	if m.ExtraPermissions == nil {
		m.ExtraPermissions = []models.Permission{}
	}
	if m.Permissions == nil {
		m.Permissions = []models.Permission{}
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	return &m, nil
}

func unmarshalColumn(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// mappingArgs returns the positional arguments shared by the upsert and update statements
func mappingArgs(m *models.IdentityMapping) ([]interface{}, error) {
	roles, err := json.Marshal(nonNil(m.Roles))
	if err != nil {
		return nil, fmt.Errorf("failed to encode roles: %w", err)
	}
	extras, err := json.Marshal(nonNil(m.ExtraPermissions))
	if err != nil {
		return nil, fmt.Errorf("failed to encode extra permissions: %w", err)
	}
	perms, err := json.Marshal(nonNil(m.Permissions))
	if err != nil {
		return nil, fmt.Errorf("failed to encode permissions: %w", err)
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	return []interface{}{
		m.ExternalID,
		m.LocalID,
		nullString(m.DirectoryID),
		nullString(m.Email),
		nullString(m.FullName),
		roles,
		extras,
		perms,
		m.Active,
		meta,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
