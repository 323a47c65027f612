package scheduler

import (
	"context"
	"time"

	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/metrics"
)

// CacheGCTaskID identifies the cache garbage collection task
const CacheGCTaskID = "cache-gc"

// Evictor removes expired cache entries
type Evictor interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CacheGCTask deletes expired report cache entries every interval
func CacheGCTask(cache Evictor, interval time.Duration) *Task {
	return &Task{
		ID:         CacheGCTaskID,
		Name:       "Report cache garbage collection",
		Interval:   interval,
		Timeout:    time.Minute,
		RunOnStart: true,
		Handler: func(ctx context.Context) error {
			n, err := cache.DeleteExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			metrics.CacheEvictions.Add(float64(n))
			if n > 0 {
				logging.WithField("deleted", n).Info("expired cache entries removed")
			}
			return nil
		},
	}
}
