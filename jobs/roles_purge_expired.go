package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/collabhub/collabhub/internal/jobs"
)

// PurgeExpiredRolesPayload optionally pins the cutoff of a manual run.
type PurgeExpiredRolesPayload struct {
	Before *time.Time `json:"before,omitempty"`
}

// RoleExpiryPurger deletes role assignments that expired before now.
type RoleExpiryPurger interface {
	PurgeExpiredRoles(ctx context.Context, now time.Time) (int, error)
}

// PurgeExpiredRolesJob is the periodic expiry sweep. Expiry checks never wait
// for it; it only reclaims rows that are already treated as expired.
type PurgeExpiredRolesJob struct {
	Purger  RoleExpiryPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPurgeExpiredRolesJob constructs the job handler.
func NewPurgeExpiredRolesJob(purger RoleExpiryPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *PurgeExpiredRolesJob {
	return &PurgeExpiredRolesJob{
		Purger:  purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewPurgeExpiredRolesTask creates an Asynq task for the expiry sweep. A nil
// before purges everything expired at execution time.
func NewPurgeExpiredRolesTask(before *time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(PurgeExpiredRolesPayload{Before: before})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRolesPurgeExpired, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the expiry sweep.
func (j *PurgeExpiredRolesJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Purger == nil {
		return errors.New("purge expired roles: dependencies not configured")
	}
	var payload PurgeExpiredRolesPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("purge expired roles: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskRolesPurgeExpired)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	if payload.Before != nil && payload.Before.Before(now) {
		now = payload.Before.UTC()
	}
	start := time.Now()
	purged, err := j.Purger.PurgeExpiredRoles(ctx, now)
	j.metrics().AddPurgedAssignments(purged)
	if err != nil {
		resultErr = err
		j.log().Error("purge expired role assignments", slog.Time("cutoff", now), slog.Int("purged", purged), slog.Any("error", err))
		return resultErr
	}

	j.log().Info("purged expired role assignments", slog.Time("cutoff", now), slog.Int("purged", purged), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *PurgeExpiredRolesJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PurgeExpiredRolesJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRolesPurgeExpired))
	}
	return slog.Default().With(slog.String("job", TaskRolesPurgeExpired))
}

func (j *PurgeExpiredRolesJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *PurgeExpiredRolesJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
