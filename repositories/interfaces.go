package repositories

import (
	"context"
	"errors"

	"github.com/upb/assistant-auth-gateway/models"
)

// ErrNotFound is returned by mutations addressed at a mapping that does not exist.
// Lookups report absence as (nil, nil) instead.
var ErrNotFound = errors.New("identity mapping not found")

// ErrDuplicateLocalID is returned when an upsert would give a local id a second owner
var ErrDuplicateLocalID = errors.New("local id already mapped")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// IdentityDirectory maps chat-platform ids to local identities with their roles.
// It is authoritative and read-mostly.
type IdentityDirectory interface {
	// GetMapping returns the mapping for externalID, or nil when there is none
	GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error)

	// GetMappingByLocalID returns the mapping that owns localID, or nil
	GetMappingByLocalID(ctx context.Context, localID string) (*models.IdentityMapping, error)

	// CreateOrUpdateMapping upserts by external id
	CreateOrUpdateMapping(ctx context.Context, mapping *models.IdentityMapping) error

	// UpdateMapping applies fn to the stored mapping and persists the result atomically.
	// Returns ErrNotFound when the mapping does not exist.
	UpdateMapping(ctx context.Context, externalID string, fn func(*models.IdentityMapping) error) (*models.IdentityMapping, error)

	// SetActive flips the active flag
	SetActive(ctx context.Context, externalID string, active bool) error

	// DeleteMapping removes the mapping and its reverse index
	DeleteMapping(ctx context.Context, externalID string) error

	// ListMappings returns mappings ordered by external id
	ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error)

	// Ping checks connectivity for readiness checks
	Ping(ctx context.Context) error
}

// AuditRepository handles authentication audit events
type AuditRepository interface {
	// Insert inserts a new audit event
	Insert(ctx context.Context, event *models.AuthEvent) error

	// ListByExternalID returns the newest events for one caller
	ListByExternalID(ctx context.Context, externalID string, limit, offset int) ([]*models.AuthEvent, error)

	// ListByAction returns the newest events of one kind
	ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuthEvent, error)
}

// Repositories aggregates the relational repositories
type Repositories struct {
	Directory IdentityDirectory
	AuditLogs AuditRepository
}
