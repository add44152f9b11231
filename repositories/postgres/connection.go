package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/assistant-auth-gateway/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return Wrap(db, logger), nil
}

// Wrap adopts an already opened pool
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema creates the directory and audit tables when missing
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Identity directory
		CREATE TABLE IF NOT EXISTS user_mappings (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			slack_user_id VARCHAR(64) NOT NULL UNIQUE,
			internal_user_id VARCHAR(128) NOT NULL UNIQUE,
			ldap_id VARCHAR(128),
			email VARCHAR(255),
			full_name VARCHAR(255),
			roles JSONB NOT NULL DEFAULT '[]',
			extra_permissions JSONB NOT NULL DEFAULT '[]',
			permissions JSONB NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL DEFAULT true,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Authentication audit trail
		CREATE TABLE IF NOT EXISTS auth_audit_events (
			id UUID PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			external_id VARCHAR(64),
			local_id VARCHAR(128),
			session_id VARCHAR(64),
			reason VARCHAR(64),
			request_id VARCHAR(255),
			ip_address VARCHAR(45),
			details JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_user_mappings_ldap ON user_mappings(ldap_id);
		CREATE INDEX IF NOT EXISTS idx_user_mappings_email ON user_mappings(email);
		CREATE INDEX IF NOT EXISTS idx_user_mappings_active ON user_mappings(is_active);

		CREATE INDEX IF NOT EXISTS idx_auth_audit_events_external_id ON auth_audit_events(external_id);
		CREATE INDEX IF NOT EXISTS idx_auth_audit_events_action ON auth_audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_auth_audit_events_timestamp ON auth_audit_events(timestamp);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
