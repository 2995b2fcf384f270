package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-session-api/pkg/jobs"
)

// SessionPurgeJobType identifies housekeeping jobs on the queue.
const SessionPurgeJobType = "session_purge"

type staleSessionDeleter interface {
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// SessionPurgeConfig controls how often dead sessions are removed and how long idle ones are kept.
type SessionPurgeConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// SessionPurgeService deletes revoked sessions and sessions idle for longer than the retention.
// It runs outside the rotation protocol, which never deletes rows.
type SessionPurgeService struct {
	repo    staleSessionDeleter
	cfg     SessionPurgeConfig
	logger  *zap.Logger
	metrics *MetricsService
	now     func() time.Time
}

// NewSessionPurgeService constructs the housekeeping service.
func NewSessionPurgeService(repo staleSessionDeleter, cfg SessionPurgeConfig, logger *zap.Logger, metrics *MetricsService) *SessionPurgeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionPurgeService{repo: repo, cfg: cfg, logger: logger, metrics: metrics, now: time.Now}
}

// Start enqueues a purge immediately and then every interval until ctx is done.
func (s *SessionPurgeService) Start(ctx context.Context, queue jobEnqueuer) {
	if s.cfg.Interval <= 0 {
		return
	}
	s.enqueue(queue)
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.enqueue(queue)
			}
		}
	}()
}

func (s *SessionPurgeService) enqueue(queue jobEnqueuer) {
	if err := queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: SessionPurgeJobType}); err != nil {
		s.logger.Sugar().Warnw("failed to enqueue session purge", "error", err)
	}
}

// Handle processes one purge job.
func (s *SessionPurgeService) Handle(ctx context.Context, job jobs.Job) error {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	deleted, err := s.repo.DeleteStale(ctx, cutoff)
	if err != nil {
		return err
	}
	s.metrics.AddSessionsPurged(deleted)
	s.logger.Sugar().Infow("stale sessions purged", "job_id", job.ID, "deleted", deleted, "cutoff", cutoff)
	return nil
}
