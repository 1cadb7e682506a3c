package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
)

const deviceTokenBytes = 32

// DeviceTokensHandler groups CRUD for non-interactive device tokens, used to
// authenticate CLI tools and runner bootstrap flows without a browser login.
type DeviceTokensHandler struct {
	tokens repository.DeviceTokenRepository
	logger *zap.Logger
}

// NewDeviceTokensHandler creates a new DeviceTokensHandler.
func NewDeviceTokensHandler(tokens repository.DeviceTokenRepository, logger *zap.Logger) *DeviceTokensHandler {
	return &DeviceTokensHandler{tokens: tokens, logger: logger.Named("devicetokens_handler")}
}

type createDeviceTokenRequest struct {
	Name string `json:"name"`
}

type createDeviceTokenResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"` // returned exactly once, never again
}

type deviceTokenResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// Create handles POST /api/v1/devices/tokens.
func (h *DeviceTokensHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req createDeviceTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	raw, err := generateDeviceToken()
	if err != nil {
		h.logger.Error("failed to generate device token", zap.Error(err))
		ErrInternal(w)
		return
	}

	token := &db.DeviceToken{
		OwnerID:   ownerID,
		Name:      req.Name,
		TokenHash: hashDeviceToken(raw),
	}
	if err := h.tokens.Create(r.Context(), token); err != nil {
		h.logger.Error("failed to create device token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, createDeviceTokenResponse{ID: token.ID.String(), Name: token.Name, Token: raw})
}

// List handles GET /api/v1/devices/tokens.
func (h *DeviceTokensHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	tokens, _, err := h.tokens.List(r.Context(), ownerID, repository.ListOptions{Limit: 100})
	if err != nil {
		h.logger.Error("failed to list device tokens", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := make([]deviceTokenResponse, 0, len(tokens))
	for _, t := range tokens {
		item := deviceTokenResponse{ID: t.ID.String(), Name: t.Name}
		if t.LastUsedAt != nil {
			item.LastUsedAt = t.LastUsedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		resp = append(resp, item)
	}
	Ok(w, resp)
}

// Revoke handles DELETE /api/v1/devices/tokens/{id}.
func (h *DeviceTokensHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	tokenID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid token id")
		return
	}

	if err := h.tokens.Revoke(r.Context(), tokenID, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to revoke device token", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func generateDeviceToken() (string, error) {
	b := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashDeviceToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
