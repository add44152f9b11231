package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/utils"
)

func newJSONRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// withURLParams attaches chi route params the way the router would
func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func withCaller(req *http.Request, identity *models.IdentityContext) *http.Request {
	return req.WithContext(middleware.WithIdentity(req.Context(), identity))
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func analystIdentity() *models.IdentityContext {
	return &models.IdentityContext{
		LocalID:     "alice",
		ExternalID:  "U1",
		Roles:       []models.Role{models.RoleAnalyst},
		Permissions: models.RoleAnalyst.Permissions(),
		Active:      true,
	}
}

func adminIdentity() *models.IdentityContext {
	return &models.IdentityContext{
		LocalID:     "root",
		ExternalID:  "U0",
		Roles:       []models.Role{models.RoleAdmin},
		Permissions: models.RoleAdmin.Permissions(),
		Active:      true,
	}
}
