package runnerauth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
)

func newTestAdapter(t *testing.T) (*Adapter, repository.RunnerRepository) {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	runners := repository.NewRunnerRepository(gormDB)
	return New(runners, zap.NewNop()), runners
}

func seedRunner(t *testing.T, runners repository.RunnerRepository) *db.Runner {
	t.Helper()
	runner := &db.Runner{
		OwnerID:        uuid.Must(uuid.NewV7()),
		Name:           "test-runner",
		AuthSecretHash: "deadbeef",
		Status:         "offline",
	}
	if err := runners.Create(context.Background(), runner); err != nil {
		t.Fatalf("seed runner: %v", err)
	}
	return runner
}

func TestAuthenticateReturnsOwnerAndSecretHash(t *testing.T) {
	a, runners := newTestAdapter(t)
	runner := seedRunner(t, runners)

	ownerID, secretHash, revoked, err := a.Authenticate(context.Background(), runner.ID.String())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ownerID != runner.OwnerID.String() {
		t.Errorf("ownerID = %q, want %q", ownerID, runner.OwnerID.String())
	}
	if secretHash != "deadbeef" {
		t.Errorf("secretHash = %q, want %q", secretHash, "deadbeef")
	}
	if revoked {
		t.Error("expected revoked = false for a freshly created runner")
	}
}

func TestAuthenticateReportsRevoked(t *testing.T) {
	a, runners := newTestAdapter(t)
	runner := seedRunner(t, runners)

	if err := runners.Revoke(context.Background(), runner.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, _, revoked, err := a.Authenticate(context.Background(), runner.ID.String())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !revoked {
		t.Error("expected revoked = true after Revoke")
	}
}

func TestAuthenticateRejectsMalformedRunnerID(t *testing.T) {
	a, _ := newTestAdapter(t)
	if _, _, _, err := a.Authenticate(context.Background(), "not-a-uuid"); err == nil {
		t.Fatal("expected an error for a malformed runner ID")
	}
}

func TestMarkOnlinePersistsCapabilitiesAndStatus(t *testing.T) {
	a, runners := newTestAdapter(t)
	runner := seedRunner(t, runners)

	a.MarkOnline(context.Background(), runner.OwnerID.String(), runner.ID.String(), []string{"exec.readonly", "docker"})

	reloaded, err := runners.GetByID(context.Background(), runner.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.Status != "online" {
		t.Errorf("Status = %q, want %q", reloaded.Status, "online")
	}
	if reloaded.Capabilities != `["exec.readonly","docker"]` {
		t.Errorf("Capabilities = %q", reloaded.Capabilities)
	}
	if reloaded.LastSeenAt == nil {
		t.Error("expected LastSeenAt to be set")
	}
}

func TestMarkOfflineUpdatesStatus(t *testing.T) {
	a, runners := newTestAdapter(t)
	runner := seedRunner(t, runners)

	a.MarkOnline(context.Background(), runner.OwnerID.String(), runner.ID.String(), []string{"exec.readonly"})
	a.MarkOffline(context.Background(), runner.OwnerID.String(), runner.ID.String())

	reloaded, err := runners.GetByID(context.Background(), runner.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.Status != "offline" {
		t.Errorf("Status = %q, want %q", reloaded.Status, "offline")
	}
}

func TestMarkHeartbeatRecordsMetadataAndLastSeen(t *testing.T) {
	a, runners := newTestAdapter(t)
	runner := seedRunner(t, runners)

	a.MarkHeartbeat(context.Background(), runner.OwnerID.String(), runner.ID.String(), runnertransport.HeartbeatPayload{
		CPUPercent:  12.5,
		MemPercent:  40.1,
		DiskPercent: 70.2,
	})

	reloaded, err := runners.GetByID(context.Background(), runner.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.LastSeenAt == nil {
		t.Error("expected LastSeenAt to be set")
	}
	if reloaded.Metadata == "{}" || reloaded.Metadata == "" {
		t.Error("expected Metadata to contain the heartbeat snapshot")
	}
}
