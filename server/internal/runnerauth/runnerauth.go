// Package runnerauth adapts the repository layer to the two small
// interfaces runnertransport.Manager needs (Authenticator, StatusSink) so the
// transport package itself never depends on GORM or the repository package.
package runnerauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
)

// Adapter implements runnertransport.Authenticator and runnertransport.StatusSink
// against a RunnerRepository.
type Adapter struct {
	runners repository.RunnerRepository
	logger  *zap.Logger
}

// New returns an Adapter backed by the given RunnerRepository.
func New(runners repository.RunnerRepository, logger *zap.Logger) *Adapter {
	return &Adapter{runners: runners, logger: logger.Named("runnerauth")}
}

// Authenticate resolves a runner's owner and secret hash by its string ID,
// reporting revocation so the caller rejects the hello frame outright.
func (a *Adapter) Authenticate(ctx context.Context, runnerID string) (ownerID string, secretHash string, revoked bool, err error) {
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return "", "", false, err
	}
	runner, err := a.runners.GetByID(ctx, id)
	if err != nil {
		return "", "", false, err
	}
	return runner.OwnerID.String(), runner.AuthSecretHash, runner.Status == "revoked", nil
}

// MarkOnline flips the Runner row to "online" and persists its advertised
// capabilities.
func (a *Adapter) MarkOnline(ctx context.Context, ownerID, runnerID string, capabilities []string) {
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return
	}
	runner, err := a.runners.GetByID(ctx, id)
	if err != nil {
		a.logger.Warn("mark online: runner not found", zap.String("runner_id", runnerID))
		return
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		capsJSON = []byte("[]")
	}
	now := time.Now().UTC()
	runner.Status = "online"
	runner.Capabilities = string(capsJSON)
	runner.LastSeenAt = &now
	if err := a.runners.Update(ctx, runner); err != nil {
		a.logger.Error("failed to mark runner online", zap.Error(err))
	}
}

// MarkOffline flips the Runner row to "offline".
func (a *Adapter) MarkOffline(ctx context.Context, ownerID, runnerID string) {
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return
	}
	if err := a.runners.UpdateStatus(ctx, id, "offline"); err != nil {
		a.logger.Error("failed to mark runner offline", zap.Error(err))
	}
}

// MarkHeartbeat refreshes LastSeenAt and the metrics snapshot carried by the
// runner's heartbeat frame.
func (a *Adapter) MarkHeartbeat(ctx context.Context, ownerID, runnerID string, hb runnertransport.HeartbeatPayload) {
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return
	}
	runner, err := a.runners.GetByID(ctx, id)
	if err != nil {
		return
	}
	metaJSON, err := json.Marshal(map[string]float64{
		"cpu_percent":  hb.CPUPercent,
		"mem_percent":  hb.MemPercent,
		"disk_percent": hb.DiskPercent,
	})
	if err != nil {
		metaJSON = []byte("{}")
	}
	now := time.Now().UTC()
	runner.LastSeenAt = &now
	runner.Metadata = string(metaJSON)
	if err := a.runners.Update(ctx, runner); err != nil {
		a.logger.Error("failed to record runner heartbeat", zap.Error(err))
	}
}
