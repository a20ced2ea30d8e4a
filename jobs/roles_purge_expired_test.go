package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/collabhub/collabhub/internal/jobs"
)

type stubPurger struct {
	cutoffs []time.Time
	purged  int
	err     error
}

func (s *stubPurger) PurgeExpiredRoles(_ context.Context, now time.Time) (int, error) {
	s.cutoffs = append(s.cutoffs, now)
	return s.purged, s.err
}

var sweepNow = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

func newTestPurgeJob(purger RoleExpiryPurger) *PurgeExpiredRolesJob {
	job := NewPurgeExpiredRolesJob(purger, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.WithClock(func() time.Time { return sweepNow })
	return job
}

func TestPurgeExpiredRolesUsesClock(t *testing.T) {
	purger := &stubPurger{purged: 4}
	task, err := NewPurgeExpiredRolesTask(nil)
	require.NoError(t, err)
	assert.Equal(t, TaskRolesPurgeExpired, task.Type())

	require.NoError(t, newTestPurgeJob(purger).Handle(context.Background(), task))
	assert.Equal(t, []time.Time{sweepNow}, purger.cutoffs)
}

func TestPurgeExpiredRolesHonoursEarlierCutoff(t *testing.T) {
	purger := &stubPurger{}
	job := newTestPurgeJob(purger)

	earlier := sweepNow.Add(-48 * time.Hour)
	task, err := NewPurgeExpiredRolesTask(&earlier)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	later := sweepNow.Add(time.Hour)
	task, err = NewPurgeExpiredRolesTask(&later)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, []time.Time{earlier, sweepNow}, purger.cutoffs, "a cutoff in the future never purges live assignments")
}

func TestPurgeExpiredRolesPropagatesFailure(t *testing.T) {
	purger := &stubPurger{err: errors.New("deadlock detected")}
	task, err := NewPurgeExpiredRolesTask(nil)
	require.NoError(t, err)
	err = newTestPurgeJob(purger).Handle(context.Background(), task)
	assert.ErrorIs(t, err, purger.err)
}

func TestPurgeExpiredRolesSkipsMalformedPayload(t *testing.T) {
	purger := &stubPurger{}
	task := asynq.NewTask(TaskRolesPurgeExpired, []byte("{"))
	err := newTestPurgeJob(purger).Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, purger.cutoffs)
}

func TestPurgeExpiredRolesRequiresPurger(t *testing.T) {
	task, err := NewPurgeExpiredRolesTask(nil)
	require.NoError(t, err)
	assert.Error(t, NewPurgeExpiredRolesJob(nil, nil, nil).Handle(context.Background(), task))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealth(t *testing.T) {
	handler := NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2, Retry: 1}}, nil)
	rr := httptest.NewRecorder()
	handler.health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, queueHealth{Queue: QueueDefault, Pending: 2, Retry: 1}, body)

	handler = NewHandler(stubInspector{err: errors.New("redis down")}, nil)
	rr = httptest.NewRecorder()
	handler.health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
