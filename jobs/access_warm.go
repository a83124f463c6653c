package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/partsbay/partsbay/internal/access"
	jobmetrics "github.com/partsbay/partsbay/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PrincipalLister enumerates principals for a full warm.
type PrincipalLister interface {
	ActivePrincipalIDs(ctx context.Context) ([]int64, error)
}

// WarmJob loads grant sources through the cache so later checks hit it.
type WarmJob struct {
	Loader     access.SourceLoader
	Principals PrincipalLister
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewWarmJob wires dependencies for the warm handler.
func NewWarmJob(loader access.SourceLoader, principals PrincipalLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *WarmJob {
	return &WarmJob{Loader: loader, Principals: principals, Logger: logger, Metrics: metrics}
}

// Handle processes access:warm tasks.
func (j *WarmJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Loader == nil {
		return errors.New("access warm: handler not configured")
	}
	var payload WarmPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.Run(ctx, payload)
}

// Run warms the selected principals.
func (j *WarmJob) Run(ctx context.Context, payload WarmPayload) (resultErr error) {
	tracker := j.metrics().Track(TaskAccessWarm)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()
	ids := payload.PrincipalIDs
	if len(ids) == 0 {
		if j.Principals == nil {
			return errors.New("access warm: principal lister not configured")
		}
		var err error
		ids, err = j.Principals.ActivePrincipalIDs(ctx)
		if err != nil {
			logger.Error("list principals", slog.Any("error", err))
			return err
		}
	}

	warmed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := j.Loader.Load(ctx, id); err != nil {
			logger.Error("warm principal", slog.Int64("principal_id", id), slog.Any("error", err))
			return err
		}
		warmed++
	}
	j.metrics().AddWarmed(warmed)
	logger.Info("completed access warm", slog.Int("principals", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *WarmJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAccessWarm))
	}
	return slog.Default().With(slog.String("job", TaskAccessWarm))
}

func (j *WarmJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
