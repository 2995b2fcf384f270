package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
)

// SessionStore persists sessions. RunInTx serialises callbacks per session and commits
// only when the callback returns nil.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	RunInTx(ctx context.Context, sessionID string, fn func(repository.SessionTx) error) error
	RevokeByUser(ctx context.Context, userID string) (int64, error)
}

type userFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// RefreshService runs the refresh token rotation protocol for one presented token at a time.
// Each call ends in exactly one of: rotate, accept as duplicate, or revoke on reuse.
type RefreshService struct {
	users    userFinder
	sessions SessionStore
	tokens   *TokenService
	grace    time.Duration
	logger   *zap.Logger
	metrics  *MetricsService
	now      func() time.Time
}

// NewRefreshService constructs a RefreshService. grace is how long a rotated-out token stays acceptable.
func NewRefreshService(users userFinder, sessions SessionStore, tokens *TokenService, grace time.Duration, logger *zap.Logger, metrics *MetricsService) *RefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshService{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		grace:    grace,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Refresh exchanges a presented refresh token for a new pair. Authentication failures are
// ErrUnauthorized; persistence failures are ErrStorageFailure and are never retried here.
func (s *RefreshService) Refresh(ctx context.Context, presented string) (*models.TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(presented)
	if err != nil {
		s.metrics.RecordRefresh(RefreshRejected)
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid refresh token")
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil || user == nil {
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRefresh(RefreshRejected)
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user not found")
		}
		s.metrics.RecordRefresh(RefreshError)
		return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "failed to load user")
	}

	presentedHash := HashToken(presented)

	var (
		outcome string
		pair    *models.TokenPair
	)
	err = s.sessions.RunInTx(ctx, claims.SessionID, func(tx repository.SessionTx) error {
		outcome, pair = "", nil

		session, err := tx.GetForUpdate(ctx)
		if err != nil {
			return err
		}
		if !session.Active() {
			outcome = RefreshRejected
			return nil
		}

		next, err := s.tokens.IssuePair(user, session.ID)
		if err != nil {
			return err
		}
		now := s.now()

		if session.IsCurrent(presentedHash) {
			if _, err := tx.RotateWithGrace(ctx, HashToken(next.RefreshToken), s.grace, now); err != nil {
				return err
			}
			outcome, pair = RefreshRotated, next
			return nil
		}

		accepted, err := tx.AcceptPreviousIfWithinGrace(ctx, presentedHash, now)
		if err != nil {
			return err
		}
		if accepted {
			outcome, pair = RefreshDuplicate, next
			return nil
		}

		// The revocation must commit, so the callback succeeds and the failure is raised afterwards.
		if err := tx.Revoke(ctx); err != nil {
			return err
		}
		outcome = RefreshReuseDetected
		return nil
	})
	if err != nil {
		s.metrics.RecordRefresh(RefreshError)
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		s.logger.Error("refresh session transaction failed", zap.String("session_id", claims.SessionID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, appErrors.ErrStorageFailure.Message)
	}

	s.metrics.RecordRefresh(outcome)
	fields := []zap.Field{zap.String("session_id", claims.SessionID), zap.String("user_id", user.ID)}
	switch outcome {
	case RefreshRotated:
		s.logger.Info("refresh rotated", fields...)
		return pair, nil
	case RefreshDuplicate:
		s.logger.Info("refresh duplicate accepted", fields...)
		return pair, nil
	case RefreshReuseDetected:
		s.logger.Warn("refresh token reuse detected", fields...)
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token reuse detected")
	default:
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session not active")
	}
}

// Revoke ends the session a refresh token belongs to. Invalid tokens and tokens that are
// neither the current nor the previous credential of their session are ignored.
func (s *RefreshService) Revoke(ctx context.Context, presented string) error {
	if presented == "" {
		return nil
	}
	claims, err := s.tokens.VerifyRefresh(presented)
	if err != nil {
		return nil
	}

	presentedHash := HashToken(presented)
	var revoked bool
	err = s.sessions.RunInTx(ctx, claims.SessionID, func(tx repository.SessionTx) error {
		revoked = false
		session, err := tx.GetForUpdate(ctx)
		if err != nil || !session.Active() {
			return err
		}
		owned := session.IsCurrent(presentedHash) ||
			(session.PrevRefreshHash != nil && models.HashEqual(*session.PrevRefreshHash, presentedHash))
		if !owned {
			return nil
		}
		if err := tx.Revoke(ctx); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "failed to revoke session")
	}
	if revoked {
		s.logger.Info("session revoked", zap.String("session_id", claims.SessionID), zap.String("user_id", claims.UserID))
	} else {
		s.logger.Debug("logout left session untouched", zap.String("session_id", claims.SessionID))
	}
	return nil
}
