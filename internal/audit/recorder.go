package audit

import (
	"context"
	"time"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
)

// recordTimeout bounds one insert so a stuck database cannot stall the
// event worker for long.
const recordTimeout = 2 * time.Second

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes lock lifecycle and command events to the audit trail.
// It implements omni.EventSink; telemetry events are not recorded.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// HandleEvent implements omni.EventSink.
func (r *Recorder) HandleEvent(e omni.Event) {
	entry, ok := entryFor(e)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, entry); err != nil && r.logger != nil {
		r.logger.Warn("audit write failed",
			"action", entry.Action,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}

// entryFor maps an event onto an audit entry.
func entryFor(e omni.Event) (*AuditLog, bool) {
	entry := &AuditLog{
		EntityType: EntityLock,
		EntityID:   e.IMEI,
		Source:     SourceLockServer,
		CreatedAt:  e.Timestamp,
		Details:    map[string]any{"connection_id": e.ConnectionID},
	}
	if entry.EntityID == "" {
		entry.EntityID = e.ConnectionID
	}

	switch e.Type {
	case omni.EventConnected:
		entry.Action = ActionConnect
	case omni.EventIdentified:
		entry.Action = ActionIdentify
	case omni.EventDisconnected:
		entry.Action = ActionDisconnect
	case omni.EventCommand:
		entry.Action = ActionCommand
		entry.UserID = e.UserID
		if e.Source != "" {
			entry.Source = e.Source
		}
		entry.Details["code"] = string(e.Code)
		if e.Error != "" {
			entry.Details["error"] = e.Error
		}
		if e.Result != nil {
			entry.Details["success"] = e.Result.Success
			entry.Details["elapsed_ms"] = e.Result.ElapsedMS
			if e.Result.Reason != "" {
				entry.Details["reason"] = e.Result.Reason
			}
		}
	default:
		return nil, false
	}
	return entry, true
}
