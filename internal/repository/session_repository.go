package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/auth-session-api/internal/models"
)

// ErrSessionNotFound is returned when a mutation targets a session row that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionTx is one session row held for a compare-and-mutate sequence. Mutations become
// visible when the enclosing RunInTx callback returns nil.
type SessionTx interface {
	// GetForUpdate returns the locked row, or nil when it does not exist.
	GetForUpdate(ctx context.Context) (*models.Session, error)
	// RotateWithGrace moves current to previous (usable until now+grace) and installs newHash.
	RotateWithGrace(ctx context.Context, newHash string, grace time.Duration, now time.Time) (*models.Session, error)
	// AcceptPreviousIfWithinGrace reports whether presentedHash is the previous hash and still
	// within its grace window. It never mutates.
	AcceptPreviousIfWithinGrace(ctx context.Context, presentedHash string, now time.Time) (bool, error)
	// Revoke marks an active session revoked; it is a no-op otherwise.
	Revoke(ctx context.Context) error
}

const sessionColumns = `id, user_id, current_refresh_hash, prev_refresh_hash, prev_usable_until, last_rotated_at, status, created_at, updated_at`

// SessionRepository stores sessions in PostgreSQL and serialises mutators with row locks.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new instance of SessionRepository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts an active session with no previous hash.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.Status = models.SessionActive
	session.PrevRefreshHash = nil
	session.PrevUsableUntil = nil
	session.LastRotatedAt = now
	session.CreatedAt = now
	session.UpdatedAt = now

	const query = `INSERT INTO user_sessions (` + sessionColumns + `) VALUES (:id, :user_id, :current_refresh_hash, :prev_refresh_hash, :prev_usable_until, :last_rotated_at, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID reads a session without locking it.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1 LIMIT 1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// RunInTx locks nothing up front; the row lock is taken by SessionTx.GetForUpdate and held
// until the transaction ends. The transaction commits only when fn returns nil.
func (r *SessionRepository) RunInTx(ctx context.Context, sessionID string, fn func(SessionTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqlSessionTx{tx: tx, id: sessionID}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session transaction: %w", err)
	}
	return nil
}

// RevokeByUser revokes every active session of a user and returns how many were revoked.
func (r *SessionRepository) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE user_sessions SET status = 'revoked', updated_at = $2 WHERE user_id = $1 AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteStale removes revoked sessions and sessions untouched since before cutoff.
func (r *SessionRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM user_sessions WHERE status = 'revoked' OR updated_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return res.RowsAffected()
}

type sqlSessionTx struct {
	tx *sqlx.Tx
	id string
}

func (t *sqlSessionTx) GetForUpdate(ctx context.Context) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1 FOR UPDATE`
	var session models.Session
	if err := t.tx.GetContext(ctx, &session, query, t.id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return &session, nil
}

func (t *sqlSessionTx) RotateWithGrace(ctx context.Context, newHash string, grace time.Duration, now time.Time) (*models.Session, error) {
	const query = `UPDATE user_sessions SET prev_refresh_hash = current_refresh_hash, prev_usable_until = $2, current_refresh_hash = $3, last_rotated_at = $4, updated_at = $4 WHERE id = $1 AND status = 'active' RETURNING ` + sessionColumns
	var session models.Session
	if err := t.tx.GetContext(ctx, &session, query, t.id, now.Add(grace), newHash, now); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return &session, nil
}

func (t *sqlSessionTx) AcceptPreviousIfWithinGrace(ctx context.Context, presentedHash string, now time.Time) (bool, error) {
	const query = `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1`
	var session models.Session
	if err := t.tx.GetContext(ctx, &session, query, t.id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("read previous refresh hash: %w", err)
	}
	return session.PreviousUsable(presentedHash, now), nil
}

func (t *sqlSessionTx) Revoke(ctx context.Context) error {
	const query = `UPDATE user_sessions SET status = 'revoked', updated_at = $2 WHERE id = $1 AND status = 'active'`
	if _, err := t.tx.ExecContext(ctx, query, t.id, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
