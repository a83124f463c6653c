package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/partsbay/partsbay/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccessWarm re-populates cached grant sources.
	TaskAccessWarm = "access:warm"
	// TaskAccessAudit persists an administrative audit record.
	TaskAccessAudit = "access:audit"
	// NightlyWarmSpec schedules the full warm.
	NightlyWarmSpec = "0 3 * * *"
)

// WarmPayload selects the principals to warm. An empty list warms every
// active principal.
type WarmPayload struct {
	PrincipalIDs []int64 `json:"principal_ids,omitempty"`
}

// AuditPayload wraps an audit record for asynchronous persistence.
type AuditPayload struct {
	Log shared.AuditLog `json:"log"`
}

// NewWarmTask constructs an access:warm task.
func NewWarmTask(payload WarmPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessWarm, data), nil
}

// NewAuditTask constructs an access:audit task.
func NewAuditTask(payload AuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessAudit, data), nil
}
