package auth

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

func newTestProvider(t *testing.T) (*LocalAuthProvider, repository.UserRepository, repository.RefreshTokenRepository) {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
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

	return NewLocalAuthProvider(users, tokens, jwtManager), users, tokens
}

func seedUser(t *testing.T, users repository.UserRepository, email, password, role string) *db.User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &db.User{Email: email, PasswordHash: hash, Role: role}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestLoginSucceedsWithCorrectCredentials(t *testing.T) {
	p, users, _ := newTestProvider(t)
	seedUser(t, users, "alice@example.com", "correct horse battery staple", "user")

	pair, err := p.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" {
		t.Error("expected non-empty access token")
	}
	if pair.RefreshToken == "" {
		t.Error("expected non-empty refresh token")
	}
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	p, users, _ := newTestProvider(t)
	seedUser(t, users, "alice@example.com", "correct horse battery staple", "user")

	_, err := p.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "wrong password"})
	if err != ErrInvalidCredentials {
		t.Fatalf("Login() error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestLoginFailsWithUnknownEmailReturnsInvalidCredentials(t *testing.T) {
	p, _, _ := newTestProvider(t)

	// Unknown email must map to the same error as a wrong password, so the
	// caller can't distinguish "no such user" from "wrong password".
	_, err := p.Login(context.Background(), LoginRequest{Email: "nobody@example.com", Password: "whatever"})
	if err != ErrInvalidCredentials {
		t.Fatalf("Login() error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestRefreshTokenRotatesAndInvalidatesOldToken(t *testing.T) {
	p, users, _ := newTestProvider(t)
	seedUser(t, users, "alice@example.com", "hunter2hunter2", "user")

	pair, err := p.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	newPair, err := p.RefreshToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if newPair.RefreshToken == pair.RefreshToken {
		t.Error("expected refresh token rotation to produce a new token")
	}

	// The old token must no longer work.
	if _, err := p.RefreshToken(context.Background(), pair.RefreshToken); err != ErrRefreshTokenNotFound {
		t.Fatalf("reusing rotated token: error = %v, want %v", err, ErrRefreshTokenNotFound)
	}
}

func TestRefreshTokenRejectsUnknownToken(t *testing.T) {
	p, _, _ := newTestProvider(t)
	if _, err := p.RefreshToken(context.Background(), "not-a-real-token"); err != ErrRefreshTokenNotFound {
		t.Fatalf("RefreshToken() error = %v, want %v", err, ErrRefreshTokenNotFound)
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	p, users, _ := newTestProvider(t)
	seedUser(t, users, "alice@example.com", "hunter2hunter2", "user")

	pair, err := p.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := p.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := p.RefreshToken(context.Background(), pair.RefreshToken); err != ErrRefreshTokenNotFound {
		t.Fatalf("using logged-out token: error = %v, want %v", err, ErrRefreshTokenNotFound)
	}
}

func TestLogoutOnUnknownTokenIsNoOp(t *testing.T) {
	p, _, _ := newTestProvider(t)
	if err := p.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("Logout() on unknown token should be a no-op, got error: %v", err)
	}
}

func TestHashPasswordProducesVerifiablePerUserSalt(t *testing.T) {
	h1, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Error("expected two hashes of the same password to differ due to random salts")
	}
	if !verifyPassword("same-password", h1) {
		t.Error("verifyPassword failed against its own hash")
	}
	if !verifyPassword("same-password", h2) {
		t.Error("verifyPassword failed against its own hash")
	}
	if verifyPassword("wrong-password", h1) {
		t.Error("verifyPassword succeeded against the wrong password")
	}
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	if verifyPassword("whatever", "not-a-valid-hash-format") {
		t.Error("expected verifyPassword to reject a hash with no salt separator")
	}
}
