package jobs

import (
	jobmetrics "github.com/collabhub/collabhub/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRolesPurgeExpired removes role assignments whose expiry has passed.
	TaskRolesPurgeExpired = "roles:purge_expired"
	// DefaultPurgeSchedule runs the expiry sweep daily at 03:00 UTC.
	DefaultPurgeSchedule = "0 3 * * *"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
