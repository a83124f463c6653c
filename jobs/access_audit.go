package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/partsbay/partsbay/internal/access"
	jobmetrics "github.com/partsbay/partsbay/internal/jobs"
)

// AuditJob persists audit records produced by the admin API.
type AuditJob struct {
	Auditor access.Auditor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes access:audit tasks.
func (j *AuditJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Auditor == nil {
		return errors.New("access audit: handler not configured")
	}
	var payload AuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskAccessAudit)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err := j.Auditor.Record(ctx, payload.Log); err != nil {
		logger := j.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("persist audit log", slog.String("action", payload.Log.Action), slog.Any("error", err))
		return err
	}
	return nil
}
