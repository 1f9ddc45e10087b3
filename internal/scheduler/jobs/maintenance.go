package jobs

import (
	"context"
	"time"

	"github.com/wonny/factorscreen/internal/cache"
	"github.com/wonny/factorscreen/internal/execution"
	"github.com/wonny/factorscreen/pkg/logger"
)

// CacheSweepJob purges expired table cache entries
type CacheSweepJob struct {
	cache  *cache.Cache
	logger *logger.Logger
}

// NewCacheSweepJob creates a cache sweep job
func NewCacheSweepJob(c *cache.Cache, log *logger.Logger) *CacheSweepJob {
	return &CacheSweepJob{cache: c, logger: log}
}

// Name returns the job name
func (j *CacheSweepJob) Name() string {
	return "cache_sweep"
}

// Schedule returns the cron schedule (every 5 minutes)
func (j *CacheSweepJob) Schedule() string {
	return "0 */5 * * * *"
}

// Run purges expired entries
func (j *CacheSweepJob) Run(ctx context.Context) error {
	if removed := j.cache.PurgeExpired(); removed > 0 {
		j.logger.WithFields(map[string]interface{}{
			"removed":   removed,
			"remaining": j.cache.Len(),
		}).Info("Cache sweep completed")
	}
	return nil
}

// RetentionJob drops terminal execution records older than the retention
type RetentionJob struct {
	registry  *execution.Registry
	retention time.Duration
	now       func() time.Time
	logger    *logger.Logger
}

// NewRetentionJob creates a retention job
func NewRetentionJob(registry *execution.Registry, retention time.Duration, log *logger.Logger) *RetentionJob {
	return &RetentionJob{registry: registry, retention: retention, now: time.Now, logger: log}
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "execution_retention"
}

// Schedule returns the cron schedule (hourly, at minute 7)
func (j *RetentionJob) Schedule() string {
	return "0 7 * * * *"
}

// Run prunes expired records
func (j *RetentionJob) Run(ctx context.Context) error {
	removed := j.registry.PruneTerminal(j.now().Add(-j.retention))
	if removed > 0 {
		j.logger.WithFields(map[string]interface{}{
			"removed":   removed,
			"remaining": j.registry.Len(),
		}).Info("Execution retention completed")
	}
	return nil
}
