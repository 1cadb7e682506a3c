package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/auth"
	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

func newTestUsersHandler(t *testing.T) (*UsersHandler, repository.UserRepository) {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	users := repository.NewUserRepository(gormDB)
	return NewUsersHandler(users, zap.NewNop()), users
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyUser, claims))
}

func TestGetMeReturnsAuthenticatedUser(t *testing.T) {
	h, users := newTestUsersHandler(t)
	user := &db.User{Email: "dana@example.com", PasswordHash: "x", Role: "admin"}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req = withClaims(req, &auth.Claims{UserID: user.ID.String(), Email: user.Email, Role: user.Role})
	rec := httptest.NewRecorder()

	h.GetMe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := resp["data"].(map[string]any)
	if data["email"] != "dana@example.com" {
		t.Errorf("email = %v, want dana@example.com", data["email"])
	}
}

func TestGetMeRejectsMissingClaims(t *testing.T) {
	h, _ := newTestUsersHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	rec := httptest.NewRecorder()

	h.GetMe(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetMeReturnsNotFoundForDeletedUser(t *testing.T) {
	h, _ := newTestUsersHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req = withClaims(req, &auth.Claims{UserID: "01234567-89ab-cdef-0123-456789abcdef"})
	rec := httptest.NewRecorder()

	h.GetMe(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
