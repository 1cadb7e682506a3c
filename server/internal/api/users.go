package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/repository"
)

// UsersHandler exposes the current user's profile. There is no user
// management surface beyond this — the server has no endpoint that creates
// accounts, matching the spec's minimal User model.
type UsersHandler struct {
	users  repository.UserRepository
	logger *zap.Logger
}

// NewUsersHandler creates a new UsersHandler.
func NewUsersHandler(users repository.UserRepository, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{users: users, logger: logger.Named("users_handler")}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// GetMe handles GET /api/v1/users/me.
func (h *UsersHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		ErrNotFound(w)
		return
	}

	Ok(w, userResponse{ID: user.ID.String(), Email: user.Email, Role: user.Role})
}
