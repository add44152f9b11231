package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/services/gateway"
)

// MockMappingAdmin is a mock implementation of MappingAdmin
type MockMappingAdmin struct {
	mock.Mock
}

func (m *MockMappingAdmin) mapping(args mock.Arguments) (*models.IdentityMapping, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IdentityMapping), args.Error(1)
}

func (m *MockMappingAdmin) Provision(ctx context.Context, req gateway.ProvisionRequest) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, req))
}

func (m *MockMappingAdmin) GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, externalID))
}

func (m *MockMappingAdmin) ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.IdentityMapping), args.Error(1)
}

func (m *MockMappingAdmin) GrantRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, externalID, role))
}

func (m *MockMappingAdmin) RevokeRole(ctx context.Context, externalID string, role models.Role) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, externalID, role))
}

func (m *MockMappingAdmin) GrantPermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, externalID, perm))
}

func (m *MockMappingAdmin) RevokePermission(ctx context.Context, externalID string, perm models.Permission) (*models.IdentityMapping, error) {
	return m.mapping(m.Called(ctx, externalID, perm))
}

func (m *MockMappingAdmin) Deactivate(ctx context.Context, externalID string) (int, error) {
	args := m.Called(ctx, externalID)
	return args.Int(0), args.Error(1)
}

func (m *MockMappingAdmin) Delete(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func aliceMapping() *models.IdentityMapping {
	m := &models.IdentityMapping{
		ExternalID: "U1",
		LocalID:    "alice",
		Email:      "alice@example.com",
		Roles:      []models.Role{models.RoleAnalyst},
		Active:     true,
	}
	m.Recompute()
	return m
}

func mappingRequest(method, target, body string, params map[string]string) *http.Request {
	return withCaller(withURLParams(newJSONRequest(method, target, body), params), adminIdentity())
}

func TestMappingHandler_HandleCreate(t *testing.T) {
	t.Run("provisions mapping", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("Provision", mock.Anything, mock.MatchedBy(func(req gateway.ProvisionRequest) bool {
			return req.ExternalID == "U1" && req.LocalID == "alice" &&
				len(req.Roles) == 1 && req.Roles[0] == models.RoleAnalyst
		})).Return(aliceMapping(), nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleCreate(w, mappingRequest(http.MethodPost, "/v1/mappings",
			`{"external_id":"U1","local_id":"alice","email":"alice@example.com","roles":["analyst"]}`, nil))

		require.Equal(t, http.StatusCreated, w.Code)
		var response models.IdentityMapping
		decodeData(t, w, &response)
		assert.Equal(t, "alice", response.LocalID)
		assert.ElementsMatch(t, models.RoleAnalyst.Permissions(), response.Permissions)
		admin.AssertExpectations(t)
	})

	t.Run("local id taken", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("Provision", mock.Anything, mock.Anything).Return(nil,
			services.NewDomainError(services.ErrorTypeConflict, "local id alice already mapped", nil).
				WithDetail("external_id", "U7"))
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleCreate(w, mappingRequest(http.MethodPost, "/v1/mappings",
			`{"external_id":"U1","local_id":"alice"}`, nil))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "U7", decodeError(t, w).Details["external_id"])
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleCreate(w, mappingRequest(http.MethodPost, "/v1/mappings",
			`{"external_id":"U1","local_id":"alice","roles":["owner"]}`, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		admin.AssertNotCalled(t, "Provision", mock.Anything, mock.Anything)
	})

	t.Run("rejects bad email", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleCreate(w, mappingRequest(http.MethodPost, "/v1/mappings",
			`{"external_id":"U1","local_id":"alice","email":"not-an-email"}`, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Details, "email")
	})
}

func TestMappingHandler_HandleList(t *testing.T) {
	t.Run("active filter", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("ListMappings", mock.Anything, true).Return([]*models.IdentityMapping{aliceMapping()}, nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, mappingRequest(http.MethodGet, "/v1/mappings?active=true", "", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var response []models.IdentityMapping
		decodeData(t, w, &response)
		require.Len(t, response, 1)
		assert.Equal(t, "U1", response[0].ExternalID)
	})

	t.Run("empty directory is an empty list", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("ListMappings", mock.Anything, false).Return(nil, nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, mappingRequest(http.MethodGet, "/v1/mappings", "", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("bad filter", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, mappingRequest(http.MethodGet, "/v1/mappings?active=maybe", "", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMappingHandler_HandleGet(t *testing.T) {
	admin := new(MockMappingAdmin)
	admin.On("GetMapping", mock.Anything, "U1").Return(aliceMapping(), nil)
	admin.On("GetMapping", mock.Anything, "U404").Return(nil, services.ErrMappingNotFound)
	handler := NewMappingHandler(admin, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleGet(w, mappingRequest(http.MethodGet, "/v1/mappings/U1", "", map[string]string{"externalID": "U1"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.HandleGet(w, mappingRequest(http.MethodGet, "/v1/mappings/U404", "", map[string]string{"externalID": "U404"}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMappingHandler_Roles(t *testing.T) {
	params := map[string]string{"externalID": "U1"}

	t.Run("grant", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("GrantRole", mock.Anything, "U1", models.RoleAdmin).Return(aliceMapping(), nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleGrantRole(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/roles", `{"role":" Admin "}`, params))

		assert.Equal(t, http.StatusOK, w.Code)
		admin.AssertExpectations(t)
	})

	t.Run("grant unknown role", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleGrantRole(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/roles", `{"role":"owner"}`, params))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		admin.AssertNotCalled(t, "GrantRole", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("revoke", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("RevokeRole", mock.Anything, "U1", models.RoleAnalyst).Return(aliceMapping(), nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRevokeRole(w, mappingRequest(http.MethodDelete, "/v1/mappings/U1/roles/analyst", "",
			map[string]string{"externalID": "U1", "role": "analyst"}))

		assert.Equal(t, http.StatusOK, w.Code)
		admin.AssertExpectations(t)
	})

	t.Run("revoke unknown role", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRevokeRole(w, mappingRequest(http.MethodDelete, "/v1/mappings/U1/roles/owner", "",
			map[string]string{"externalID": "U1", "role": "owner"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing mapping", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("GrantRole", mock.Anything, "U1", models.RoleViewer).Return(nil, services.ErrMappingNotFound)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleGrantRole(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/roles", `{"role":"viewer"}`, params))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMappingHandler_Permissions(t *testing.T) {
	t.Run("grant", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("GrantPermission", mock.Anything, "U1", models.PermissionAuditView).Return(aliceMapping(), nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleGrantPermission(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/permissions",
			`{"permission":"audit_view"}`, map[string]string{"externalID": "U1"}))

		assert.Equal(t, http.StatusOK, w.Code)
		admin.AssertExpectations(t)
	})

	t.Run("revoke", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("RevokePermission", mock.Anything, "U1", models.PermissionAuditView).Return(aliceMapping(), nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRevokePermission(w, mappingRequest(http.MethodDelete, "/v1/mappings/U1/permissions/audit_view", "",
			map[string]string{"externalID": "U1", "permission": "audit_view"}))

		assert.Equal(t, http.StatusOK, w.Code)
		admin.AssertExpectations(t)
	})

	t.Run("store fault", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("GrantPermission", mock.Anything, "U1", models.PermissionQueryShare).
			Return(nil, services.WrapStoreUnavailable("directory", errors.New("refused")))
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleGrantPermission(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/permissions",
			`{"permission":"query_share"}`, map[string]string{"externalID": "U1"}))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMappingHandler_DeactivateAndDelete(t *testing.T) {
	params := map[string]string{"externalID": "U1"}

	t.Run("deactivate reports revoked sessions", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("Deactivate", mock.Anything, "U1").Return(3, nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDeactivate(w, mappingRequest(http.MethodPost, "/v1/mappings/U1/deactivate", "", params))

		require.Equal(t, http.StatusOK, w.Code)
		var response DeactivateResponse
		decodeData(t, w, &response)
		assert.Equal(t, DeactivateResponse{ExternalID: "U1", SessionsRevoked: 3}, response)
	})

	t.Run("delete", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("Delete", mock.Anything, "U1").Return(nil)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDelete(w, mappingRequest(http.MethodDelete, "/v1/mappings/U1", "", params))

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("delete missing", func(t *testing.T) {
		admin := new(MockMappingAdmin)
		admin.On("Delete", mock.Anything, "U1").Return(services.ErrMappingNotFound)
		handler := NewMappingHandler(admin, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDelete(w, mappingRequest(http.MethodDelete, "/v1/mappings/U1", "", params))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
