package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/auth"
	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

func newTestRunnersHandler(t *testing.T) *RunnersHandler {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// transport is nil: none of Create/List/Revoke touch it, only ServeWS does.
	return NewRunnersHandler(repository.NewRunnerRepository(gormDB), nil, zap.NewNop())
}

func TestCreateRunnerReturnsSecretOnce(t *testing.T) {
	h := newTestRunnersHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	body, _ := json.Marshal(createRunnerRequest{Name: "edge-box-1", Capabilities: []string{"exec.readonly"}})
	req := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/runners", bytes.NewReader(body)), claims)
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
	if data["secret"] == "" {
		t.Error("expected a non-empty secret in the create response")
	}
}

func TestListRunnersExcludesSecret(t *testing.T) {
	h := newTestRunnersHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	createBody, _ := json.Marshal(createRunnerRequest{Name: "edge-box-1"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/runners", bytes.NewReader(createBody)), claims)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)

	listReq := withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil), claims)
	listRec := httptest.NewRecorder()
	h.List(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", listRec.Code, http.StatusOK)
	}
	if bytes.Contains(listRec.Body.Bytes(), []byte(`"secret"`)) {
		t.Error("expected list response to never include the runner secret")
	}
}

func TestRevokeRunnerRejectsNonOwner(t *testing.T) {
	h := newTestRunnersHandler(t)
	owner := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}
	other := &auth.Claims{UserID: "11234567-89ab-cdef-0123-456789abcdef"}

	createBody, _ := json.Marshal(createRunnerRequest{Name: "edge-box-1"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/runners", bytes.NewReader(createBody)), owner)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)

	var createResp envelope
	if err := json.Unmarshal(createRec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	runnerID := createResp["data"].(map[string]any)["id"].(string)

	revokeReq := withClaims(httptest.NewRequest(http.MethodDelete, "/api/v1/runners/"+runnerID, nil), other)
	revokeReq = withURLParam(revokeReq, "id", runnerID)
	revokeRec := httptest.NewRecorder()

	h.Revoke(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", revokeRec.Code, http.StatusForbidden)
	}
}

func TestRevokeRunnerSucceedsForOwner(t *testing.T) {
	h := newTestRunnersHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	createBody, _ := json.Marshal(createRunnerRequest{Name: "edge-box-1"})
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/runners", bytes.NewReader(createBody)), claims)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq)

	var createResp envelope
	if err := json.Unmarshal(createRec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	runnerID := createResp["data"].(map[string]any)["id"].(string)

	revokeReq := withClaims(httptest.NewRequest(http.MethodDelete, "/api/v1/runners/"+runnerID, nil), claims)
	revokeReq = withURLParam(revokeReq, "id", runnerID)
	revokeRec := httptest.NewRecorder()

	h.Revoke(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body=%s", revokeRec.Code, http.StatusNoContent, revokeRec.Body.String())
	}
}

func TestRevokeRunnerRejectsMalformedID(t *testing.T) {
	h := newTestRunnersHandler(t)
	claims := &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"}

	req := withClaims(httptest.NewRequest(http.MethodDelete, "/api/v1/runners/not-a-uuid", nil), claims)
	req = withURLParam(req, "id", "not-a-uuid")
	rec := httptest.NewRecorder()

	h.Revoke(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
