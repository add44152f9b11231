package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
)

var mappingRowColumns = []string{
	"slack_user_id", "internal_user_id", "ldap_id", "email", "full_name",
	"roles", "extra_permissions", "permissions", "is_active", "metadata",
	"created_at", "updated_at",
}

func newIdentityFixture(t *testing.T) (*IdentityRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := Wrap(sqlDB, zap.NewNop())
	return NewIdentityRepository(db, NewTransactionManager(db, zap.NewNop()), zap.NewNop()), mock
}

func aliceRow(created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(mappingRowColumns).AddRow(
		"U1", "alice", nil, "alice@example.com", "Alice",
		[]byte(`["analyst"]`), []byte(`["audit_view"]`),
		[]byte(`["query_execute","query_history","query_share","audit_view"]`),
		true, []byte(`{"team":"data"}`), created, created,
	)
}

func TestIdentityRepository_GetMapping(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectQuery(`FROM user_mappings\s+WHERE slack_user_id = \$1`).
			WithArgs("U1").
			WillReturnRows(aliceRow(created))

		mapping, err := repo.GetMapping(ctx, "U1")
		require.NoError(t, err)
		require.NotNil(t, mapping)

		assert.Equal(t, "alice", mapping.LocalID)
		assert.Equal(t, "", mapping.DirectoryID)
		assert.Equal(t, "alice@example.com", mapping.Email)
		assert.Equal(t, []models.Role{models.RoleAnalyst}, mapping.Roles)
		assert.Equal(t, []models.Permission{models.PermissionAuditView}, mapping.ExtraPermissions)
		assert.Len(t, mapping.Permissions, 4)
		assert.Equal(t, "data", mapping.Metadata["team"])
		assert.True(t, mapping.Active)
		assert.Equal(t, created, mapping.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent is nil without error", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectQuery(`FROM user_mappings\s+WHERE slack_user_id = \$1`).
			WithArgs("U404").
			WillReturnRows(sqlmock.NewRows(mappingRowColumns))

		mapping, err := repo.GetMapping(ctx, "U404")
		require.NoError(t, err)
		assert.Nil(t, mapping)
	})

	t.Run("driver failure is an error", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectQuery(`FROM user_mappings`).WillReturnError(errors.New("connection refused"))

		mapping, err := repo.GetMapping(ctx, "U1")
		require.Error(t, err)
		assert.Nil(t, mapping)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestIdentityRepository_GetMappingByLocalID(t *testing.T) {
	repo, mock := newIdentityFixture(t)
	mock.ExpectQuery(`FROM user_mappings\s+WHERE internal_user_id = \$1`).
		WithArgs("alice").
		WillReturnRows(aliceRow(time.Now().UTC()))

	mapping, err := repo.GetMappingByLocalID(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "U1", mapping.ExternalID)
}

func TestIdentityRepository_CreateOrUpdateMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert fills timestamps", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		updated := created.Add(time.Hour)

		mock.ExpectQuery(`INSERT INTO user_mappings`).
			WithArgs("U1", "alice", nil, "alice@example.com", nil,
				[]byte(`["viewer"]`), []byte(`[]`), []byte(`["query_history"]`), true, []byte(`{}`)).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, updated))

		mapping := &models.IdentityMapping{
			ExternalID: "U1",
			LocalID:    "alice",
			Email:      "alice@example.com",
			Roles:      []models.Role{models.RoleViewer},
			Active:     true,
		}
		mapping.Recompute()

		require.NoError(t, repo.CreateOrUpdateMapping(ctx, mapping))
		assert.Equal(t, created, mapping.CreatedAt)
		assert.Equal(t, updated, mapping.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("local id owned elsewhere", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectQuery(`INSERT INTO user_mappings`).
			WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "user_mappings_internal_user_id_key"})

		err := repo.CreateOrUpdateMapping(ctx, &models.IdentityMapping{ExternalID: "U2", LocalID: "alice"})
		assert.ErrorIs(t, err, repositories.ErrDuplicateLocalID)
	})
}

func TestIdentityRepository_UpdateMapping(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("locks applies and writes in one transaction", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		updatedAt := created.Add(time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery(`WHERE slack_user_id = \$1\s+FOR UPDATE`).
			WithArgs("U1").
			WillReturnRows(aliceRow(created))
		mock.ExpectQuery(`UPDATE user_mappings`).
			WithArgs("U1", "alice", nil, "alice@example.com", "Alice",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(updatedAt))
		mock.ExpectCommit()

		mapping, err := repo.UpdateMapping(ctx, "U1", func(m *models.IdentityMapping) error {
			m.Active = false
			return nil
		})
		require.NoError(t, err)
		assert.False(t, mapping.Active)
		assert.Equal(t, updatedAt, mapping.UpdatedAt)
		assert.Equal(t, created, mapping.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing mapping rolls back", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs("U404").WillReturnRows(sqlmock.NewRows(mappingRowColumns))
		mock.ExpectRollback()

		called := false
		mapping, err := repo.UpdateMapping(ctx, "U404", func(*models.IdentityMapping) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		assert.Nil(t, mapping)
		assert.False(t, called)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("callback error rolls back without writing", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs("U1").WillReturnRows(aliceRow(created))
		mock.ExpectRollback()

		boom := errors.New("unknown role")
		_, err := repo.UpdateMapping(ctx, "U1", func(*models.IdentityMapping) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIdentityRepository_SetActiveAndDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("set active", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectExec(`UPDATE user_mappings\s+SET is_active = \$2`).
			WithArgs("U1", true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, repo.SetActive(ctx, "U1", true))
	})

	t.Run("set active on missing mapping", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectExec(`UPDATE user_mappings`).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, repo.SetActive(ctx, "U404", false), repositories.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectExec(`DELETE FROM user_mappings WHERE slack_user_id = \$1`).
			WithArgs("U1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, repo.DeleteMapping(ctx, "U1"))
	})

	t.Run("delete missing", func(t *testing.T) {
		repo, mock := newIdentityFixture(t)
		mock.ExpectExec(`DELETE FROM user_mappings`).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, repo.DeleteMapping(ctx, "U404"), repositories.ErrNotFound)
	})
}

func TestIdentityRepository_ListMappings(t *testing.T) {
	repo, mock := newIdentityFixture(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(mappingRowColumns).
		AddRow("U1", "alice", nil, nil, nil, []byte(`["admin"]`), []byte(`[]`),
			[]byte(`["query_execute"]`), true, []byte(`{}`), now, now).
		AddRow("U2", "bob", "ldap-bob", nil, nil, []byte(`[]`), nil,
			[]byte(`[]`), true, nil, now, now)
	mock.ExpectQuery(`ORDER BY slack_user_id`).WithArgs(true).WillReturnRows(rows)

	mappings, err := repo.ListMappings(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "U1", mappings[0].ExternalID)
	assert.Equal(t, "ldap-bob", mappings[1].DirectoryID)
	assert.Empty(t, mappings[1].ExtraPermissions)
	assert.NotNil(t, mappings[1].ExtraPermissions)
	assert.Nil(t, mappings[0].Metadata)
}

func TestIdentityRepository_Ping(t *testing.T) {
	repo, mock := newIdentityFixture(t)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.NoError(t, repo.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.Error(t, repo.Ping(context.Background()))
}
