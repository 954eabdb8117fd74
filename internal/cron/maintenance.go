package cron

import (
	"context"
	"fmt"
	"time"
)

// Job names registered by Maintenance.
const (
	JobSweepSessions = "sweep_sessions"
	JobPruneAudit    = "prune_audit"
)

// Sweeper is the durable store the maintenance jobs clean. *storage.DB
// implements it.
type Sweeper interface {
	KVCleanExpired(ctx context.Context) (int64, error)
	PruneTransitions(ctx context.Context, before time.Time) (int64, error)
}

// Maintenance returns the jobs that drop expired session rows and audit
// records older than retention. A retention <= 0 keeps the audit log forever.
func Maintenance(db Sweeper, schedule string, retention time.Duration, now func() time.Time) []Job {
	if now == nil {
		now = time.Now
	}
	jobs := []Job{{
		Name:     JobSweepSessions,
		Schedule: schedule,
		Run: func(ctx context.Context) (string, error) {
			n, err := db.KVCleanExpired(ctx)
			if err != nil {
				return "", fmt.Errorf("sweep expired sessions: %w", err)
			}
			return fmt.Sprintf("%d expired rows removed", n), nil
		},
	}}
	if retention > 0 {
		jobs = append(jobs, Job{
			Name:     JobPruneAudit,
			Schedule: schedule,
			Run: func(ctx context.Context) (string, error) {
				n, err := db.PruneTransitions(ctx, now().Add(-retention))
				if err != nil {
					return "", fmt.Errorf("prune audit log: %w", err)
				}
				return fmt.Sprintf("%d transitions pruned", n), nil
			},
		})
	}
	return jobs
}
