package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/auth"
	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

func newTestDeviceTokensHandler(t *testing.T) *DeviceTokensHandler {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return NewDeviceTokensHandler(repository.NewDeviceTokenRepository(gormDB), zap.NewNop())
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateDeviceTokenReturnsRawTokenOnce(t *testing.T) {
	h := newTestDeviceTokensHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	body, _ := json.Marshal(createDeviceTokenRequest{Name: "ci-runner"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/tokens", bytes.NewReader(body))
	req = withClaims(req, claims)
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := resp["data"].(map[string]any)
	if data["token"] == "" {
		t.Error("expected a non-empty raw token in the create response")
	}
	if data["name"] != "ci-runner" {
		t.Errorf("name = %v, want ci-runner", data["name"])
	}
}

func TestCreateDeviceTokenRejectsMissingName(t *testing.T) {
	h := newTestDeviceTokensHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	body, _ := json.Marshal(createDeviceTokenRequest{Name: ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/tokens", bytes.NewReader(body))
	req = withClaims(req, claims)
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListDeviceTokensExcludesRawToken(t *testing.T) {
	h := newTestDeviceTokensHandler(t)
	ownerID := "01234567-89ab-cdef-0123-456789abcdef"
	claims := &auth.Claims{UserID: ownerID}

	createBody, _ := json.Marshal(createDeviceTokenRequest{Name: "laptop"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/devices/tokens", bytes.NewReader(createBody)), claims)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("seed create failed: status=%d body=%s", createRec.Code, createRec.Body.String())
	}

	listReq := withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/devices/tokens", nil), claims)
	listRec := httptest.NewRecorder()
	h.List(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", listRec.Code, http.StatusOK)
	}
	if bytes.Contains(listRec.Body.Bytes(), []byte(`"token"`)) {
		t.Error("expected list response to never include the raw token field")
	}
}

func TestRevokeDeviceTokenRejectsOtherOwners(t *testing.T) {
	h := newTestDeviceTokensHandler(t)
	owner := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}
	other := &auth.Claims{UserID: "11234567-89ab-cdef-0123-456789abcdef"}

	createBody, _ := json.Marshal(createDeviceTokenRequest{Name: "laptop"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/devices/tokens", bytes.NewReader(createBody)), owner)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)

	var createResp envelope
	if err := json.Unmarshal(createRec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	tokenID := createResp["data"].(map[string]any)["id"].(string)

	revokeReq := withClaims(httptest.NewRequest(http.MethodDelete, "/api/v1/devices/tokens/"+tokenID, nil), other)
	revokeReq = withURLParam(revokeReq, "id", tokenID)
	revokeRec := httptest.NewRecorder()

	h.Revoke(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (revoking another owner's token should not match)", revokeRec.Code, http.StatusNotFound)
	}
}

func TestRevokeDeviceTokenSucceedsForOwner(t *testing.T) {
	h := newTestDeviceTokensHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	createBody, _ := json.Marshal(createDeviceTokenRequest{Name: "laptop"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/devices/tokens", bytes.NewReader(createBody)), claims)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)

	var createResp envelope
	if err := json.Unmarshal(createRec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	tokenID := createResp["data"].(map[string]any)["id"].(string)

	revokeReq := withClaims(httptest.NewRequest(http.MethodDelete, "/api/v1/devices/tokens/"+tokenID, nil), claims)
	revokeReq = withURLParam(revokeReq, "id", tokenID)
	revokeRec := httptest.NewRecorder()

	h.Revoke(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body=%s", revokeRec.Code, http.StatusNoContent, revokeRec.Body.String())
	}
}
