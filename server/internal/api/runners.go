package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
)

const runnerSecretBytes = 32

// RunnersHandler groups CRUD for Runner registration and the WebSocket
// upgrade entrypoint. Registration is deliberately split from the transport
// handshake: a Runner row (and its auth_secret_hash) must exist before a
// runner process can ever successfully send a hello frame.
type RunnersHandler struct {
	runners   repository.RunnerRepository
	transport *runnertransport.Manager
	logger    *zap.Logger
}

// NewRunnersHandler creates a new RunnersHandler.
func NewRunnersHandler(runners repository.RunnerRepository, transport *runnertransport.Manager, logger *zap.Logger) *RunnersHandler {
	return &RunnersHandler{runners: runners, transport: transport, logger: logger.Named("runners_handler")}
}

type createRunnerRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type createRunnerResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"` // returned exactly once, never again
}

type runnerResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Create handles POST /api/v1/runners. The plaintext secret is returned
// exactly once in the response body; only its SHA-256 hash is persisted.
func (h *RunnersHandler) Create(w http.ResponseWriter, r *http.Request) {
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

	var req createRunnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	secret, err := generateRunnerSecret()
	if err != nil {
		h.logger.Error("failed to generate runner secret", zap.Error(err))
		ErrInternal(w)
		return
	}

	capabilities, err := json.Marshal(req.Capabilities)
	if err != nil {
		capabilities = []byte("[]")
	}

	runner := &db.Runner{
		OwnerID:        ownerID,
		Name:           req.Name,
		AuthSecretHash: hashRunnerSecret(secret),
		Capabilities:   string(capabilities),
		Status:         "offline",
	}
	if err := h.runners.Create(r.Context(), runner); err != nil {
		h.logger.Error("failed to create runner", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, createRunnerResponse{ID: runner.ID.String(), Name: runner.Name, Secret: secret})
}

// List handles GET /api/v1/runners.
func (h *RunnersHandler) List(w http.ResponseWriter, r *http.Request) {
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

	runners, _, err := h.runners.List(r.Context(), ownerID, repository.ListOptions{Limit: 100})
	if err != nil {
		h.logger.Error("failed to list runners", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := make([]runnerResponse, 0, len(runners))
	for _, runner := range runners {
		var caps []string
		_ = json.Unmarshal([]byte(runner.Capabilities), &caps)
		resp = append(resp, runnerResponse{ID: runner.ID.String(), Name: runner.Name, Status: runner.Status, Capabilities: caps})
	}
	Ok(w, resp)
}

// Revoke handles DELETE /api/v1/runners/{id}. Revocation is one-way.
func (h *RunnersHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	runnerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid runner id")
		return
	}

	runner, err := h.runners.GetByID(r.Context(), runnerID)
	if err != nil {
		ErrNotFound(w)
		return
	}
	if runner.OwnerID.String() != claims.UserID {
		ErrForbidden(w)
		return
	}

	if err := h.runners.Revoke(r.Context(), runnerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to revoke runner", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// ServeWS handles WS /api/v1/runners/ws. Unlike the REST endpoints above,
// this is not behind the JWT Authenticate middleware — runners authenticate
// via their hello frame's shared secret instead, since a headless process
// connecting at boot has no interactive login step.
func (h *RunnersHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if err := h.transport.HandleUpgrade(w, r); err != nil {
		h.logger.Warn("runner ws upgrade failed", zap.Error(err))
	}
}

func generateRunnerSecret() (string, error) {
	b := make([]byte, runnerSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashRunnerSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
