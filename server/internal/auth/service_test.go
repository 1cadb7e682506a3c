package auth

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

func newTestService(t *testing.T) (*AuthService, repository.UserRepository) {
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
	tokens := repository.NewRefreshTokenRepository(gormDB)
	jwtManager, err := NewJWTManagerGenerated("conductor-test")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}
	local := NewLocalAuthProvider(users, tokens, jwtManager)

	return NewAuthService(local, tokens, jwtManager), users
}

func TestAuthServiceLoginAndValidateAccessToken(t *testing.T) {
	svc, users := newTestService(t)
	seedUser(t, users, "bob@example.com", "password1234", "user")

	pair, err := svc.LoginLocal(context.Background(), LoginRequest{Email: "bob@example.com", Password: "password1234"})
	if err != nil {
		t.Fatalf("LoginLocal: %v", err)
	}

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Email != "bob@example.com" {
		t.Errorf("Email = %q, want %q", claims.Email, "bob@example.com")
	}
}

func TestAuthServiceLogoutAllSessionsRevokesExistingRefreshTokens(t *testing.T) {
	svc, users := newTestService(t)
	user := seedUser(t, users, "carol@example.com", "password1234", "user")

	pair, err := svc.LoginLocal(context.Background(), LoginRequest{Email: "carol@example.com", Password: "password1234"})
	if err != nil {
		t.Fatalf("LoginLocal: %v", err)
	}

	if err := svc.LogoutAllSessions(context.Background(), user.ID); err != nil {
		t.Fatalf("LogoutAllSessions: %v", err)
	}

	if _, err := svc.RefreshToken(context.Background(), pair.RefreshToken); err == nil {
		t.Fatal("expected refresh token to be invalid after LogoutAllSessions")
	}
}

func TestAuthServiceJWTManagerExposesUnderlyingManager(t *testing.T) {
	svc, _ := newTestService(t)
	if svc.JWTManager() == nil {
		t.Fatal("expected JWTManager() to return a non-nil manager")
	}
}
