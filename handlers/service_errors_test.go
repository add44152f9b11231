package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/utils"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{"validation", fmt.Errorf("%w: external id is required", services.ErrInvalidInput), http.StatusBadRequest, "bad_request"},
		{"unknown role", fmt.Errorf("%w: %q", services.ErrUnknownRole, "owner"), http.StatusBadRequest, "bad_request"},
		{"unauthenticated", services.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
		{"token expired", services.ErrTokenExpired, http.StatusUnauthorized, "unauthorized"},
		{"token invalid", services.ErrTokenInvalid, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", services.ErrPermissionDenied, http.StatusForbidden, "forbidden"},
		{"not found", services.ErrMappingNotFound, http.StatusNotFound, "not_found"},
		{"conflict", services.ErrDuplicateLocalID, http.StatusConflict, "conflict"},
		{"store unavailable", services.WrapStoreUnavailable("redis down", errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "service_unavailable"},
		{"internal", services.WrapInternal("boom", errors.New("cause")), http.StatusInternalServerError, "internal_error"},
		{"plain error", errors.New("unexpected"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
		})
	}

	t.Run("store faults do not leak causes", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, services.WrapStoreUnavailable("session store", errors.New("10.0.0.5:6379 refused")), logger)
		assert.False(t, strings.Contains(w.Body.String(), "10.0.0.5"))
	})

	t.Run("nil error writes nothing", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, nil, logger)
		assert.Empty(t, w.Body.String())
	})

	t.Run("token errors carry a reason", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, services.ErrTokenExpired, logger)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "token_expired", response.Details["reason"])
	})
}

func TestHandleDecodeError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleDecodeError(w, &utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"user_id": "user_id is required"}}, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "user_id is required", response.Details["user_id"])
}
