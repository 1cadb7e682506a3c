package supervisor

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
)

// evidenceMarkerPattern matches the compact placeholder persisted in a
// tool-result message in place of a worker's full output:
//
//	[EVIDENCE:run_id=R,job_id=J,worker_id=W]
var evidenceMarkerPattern = regexp.MustCompile(`\[EVIDENCE:run_id=([0-9a-fA-F-]+),job_id=([0-9a-fA-F-]+),worker_id=([0-9a-fA-F-]+)\]`)

// evidenceMarker formats the marker embedded in a tool-result message. The
// worker_id field names the WorkerJob's runner, not a separate identity —
// kept distinct from job_id to match the three-part marker the resume
// protocol produces.
func evidenceMarker(runID, jobID, workerID uuid.UUID) string {
	return fmt.Sprintf("[EVIDENCE:run_id=%s,job_id=%s,worker_id=%s]", runID, jobID, workerID)
}

// mountEvidence scans messages for evidence markers and, for each one found,
// appends the corresponding WorkerJob's stored result (stdout) and error text
// after the marker
// in a copy of the message. The expansion is ephemeral: it is built fresh
// from the database on every call and never written back to the Thread —
// only the compact marker persists there. Mounting failures are logged and
// skipped rather than failing the LLM call; a missing or unreadable job
// just means the model reasons without that detail.
func mountEvidence(ctx context.Context, gormDB *gorm.DB, logger *zap.Logger, runID uuid.UUID, messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role != "tool" {
			continue
		}
		match := evidenceMarkerPattern.FindStringSubmatch(m.Content)
		if match == nil {
			continue
		}
		jobID, err := uuid.Parse(match[2])
		if err != nil {
			logger.Warn("supervisor: malformed evidence marker job_id, skipping expansion", zap.String("content", m.Content))
			continue
		}

		var job db.WorkerJob
		if err := gormDB.WithContext(ctx).Where("id = ? AND supervisor_run_id = ?", jobID, runID).First(&job).Error; err != nil {
			logger.Warn("supervisor: evidence job not found, mounting without expansion", zap.String("job_id", jobID.String()), zap.Error(err))
			continue
		}

		expanded := fmt.Sprintf("%s\n\n--- stdout ---\n%s", m.Content, job.Result)
		if job.Error != "" {
			expanded += fmt.Sprintf("\n--- error ---\n%s", job.Error)
		}
		out[i] = Message{Role: m.Role, Content: expanded, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls}
	}
	return out
}
