package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/auth-session-api/internal/models"
)

// ErrSessionContention is returned when optimistic transactions kept losing to concurrent writers.
var ErrSessionContention = errors.New("session transaction contention")

// ErrSessionExists is returned when creating a session whose identifier is already taken.
var ErrSessionExists = errors.New("session already exists")

const defaultRedisTxAttempts = 5

// redisSession is the hash layout of a session key. Timestamps are unix nanoseconds; zero means unset.
type redisSession struct {
	UserID             string `redis:"user_id"`
	CurrentRefreshHash string `redis:"current_refresh_hash"`
	PrevRefreshHash    string `redis:"prev_refresh_hash"`
	PrevUsableUntil    int64  `redis:"prev_usable_until"`
	LastRotatedAt      int64  `redis:"last_rotated_at"`
	Status             string `redis:"status"`
	CreatedAt          int64  `redis:"created_at"`
	UpdatedAt          int64  `redis:"updated_at"`
}

// RedisSessionRepository stores sessions as Redis hashes. Mutations use WATCH/MULTI, so a
// write that raced with another writer is discarded and the callback re-run on fresh state.
type RedisSessionRepository struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	attempts int
}

// NewRedisSessionRepository builds the store. ttl bounds how long an untouched session key lives;
// it should be at least the refresh token lifetime.
func NewRedisSessionRepository(client *redis.Client, prefix string, ttl time.Duration) *RedisSessionRepository {
	if prefix == "" {
		prefix = "auth"
	}
	return &RedisSessionRepository{client: client, prefix: prefix, ttl: ttl, attempts: defaultRedisTxAttempts}
}

func (r *RedisSessionRepository) key(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisSessionRepository) userKey(userID string) string {
	return fmt.Sprintf("%s:user_sessions:%s", r.prefix, userID)
}

// Create stores an active session with no previous hash. The identifier must be unused.
func (r *RedisSessionRepository) Create(ctx context.Context, session *models.Session) error {
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

	key := r.key(session.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			r.write(ctx, p, session)
			p.SAdd(ctx, r.userKey(session.UserID), session.ID)
			if r.ttl > 0 {
				p.Expire(ctx, r.userKey(session.UserID), r.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrSessionExists) {
			return err
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID reads a session without watching it.
func (r *RedisSessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	session, err := r.read(ctx, r.client, id)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

// RunInTx watches the session key, runs fn and commits staged mutations atomically. When the
// key changed underneath, nothing was written and fn is re-run against the new state.
func (r *RedisSessionRepository) RunInTx(ctx context.Context, sessionID string, fn func(SessionTx) error) error {
	key := r.key(sessionID)
	for attempt := 0; attempt < r.attempts; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			stx := &redisSessionTx{repo: r, tx: tx, id: sessionID}
			if err := fn(stx); err != nil {
				return err
			}
			return stx.commit(ctx)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrSessionContention
}

// RevokeByUser revokes every active session of a user and returns how many were revoked.
func (r *RedisSessionRepository) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}

	var revoked int64
	for _, id := range ids {
		changed := false
		err := r.RunInTx(ctx, id, func(tx SessionTx) error {
			changed = false
			session, err := tx.GetForUpdate(ctx)
			if err != nil || !session.Active() {
				return err
			}
			changed = true
			return tx.Revoke(ctx)
		})
		if err != nil {
			return revoked, fmt.Errorf("revoke user sessions: %w", err)
		}
		if changed {
			revoked++
		}
	}
	return revoked, nil
}

func (r *RedisSessionRepository) read(ctx context.Context, c redis.Cmdable, id string) (*models.Session, error) {
	cmd := c.HGetAll(ctx, r.key(id))
	values, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	var raw redisSession
	if err := cmd.Scan(&raw); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	session := &models.Session{
		ID:                 id,
		UserID:             raw.UserID,
		CurrentRefreshHash: raw.CurrentRefreshHash,
		LastRotatedAt:      fromUnixNano(raw.LastRotatedAt),
		Status:             models.SessionStatus(raw.Status),
		CreatedAt:          fromUnixNano(raw.CreatedAt),
		UpdatedAt:          fromUnixNano(raw.UpdatedAt),
	}
	if raw.PrevRefreshHash != "" {
		prev := raw.PrevRefreshHash
		session.PrevRefreshHash = &prev
	}
	if raw.PrevUsableUntil != 0 {
		until := fromUnixNano(raw.PrevUsableUntil)
		session.PrevUsableUntil = &until
	}
	return session, nil
}

func (r *RedisSessionRepository) write(ctx context.Context, p redis.Pipeliner, s *models.Session) {
	fields := map[string]interface{}{
		"user_id":              s.UserID,
		"current_refresh_hash": s.CurrentRefreshHash,
		"prev_refresh_hash":    "",
		"prev_usable_until":    int64(0),
		"last_rotated_at":      s.LastRotatedAt.UnixNano(),
		"status":               string(s.Status),
		"created_at":           s.CreatedAt.UnixNano(),
		"updated_at":           s.UpdatedAt.UnixNano(),
	}
	if s.PrevRefreshHash != nil {
		fields["prev_refresh_hash"] = *s.PrevRefreshHash
	}
	if s.PrevUsableUntil != nil {
		fields["prev_usable_until"] = s.PrevUsableUntil.UnixNano()
	}

	key := r.key(s.ID)
	p.HSet(ctx, key, fields)
	if r.ttl > 0 {
		p.Expire(ctx, key, r.ttl)
	}
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

type redisSessionTx struct {
	repo    *RedisSessionRepository
	tx      *redis.Tx
	id      string
	loaded  bool
	session *models.Session
	dirty   bool
}

func (t *redisSessionTx) load(ctx context.Context) (*models.Session, error) {
	if t.loaded {
		return t.session, nil
	}
	session, err := t.repo.read(ctx, t.tx, t.id)
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	t.session = session
	t.loaded = true
	return session, nil
}

func (t *redisSessionTx) GetForUpdate(ctx context.Context) (*models.Session, error) {
	session, err := t.load(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	clone := *session
	return &clone, nil
}

func (t *redisSessionTx) RotateWithGrace(ctx context.Context, newHash string, grace time.Duration, now time.Time) (*models.Session, error) {
	session, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, ErrSessionNotFound
	}
	session.Rotate(newHash, grace, now)
	t.dirty = true
	clone := *session
	return &clone, nil
}

func (t *redisSessionTx) AcceptPreviousIfWithinGrace(ctx context.Context, presentedHash string, now time.Time) (bool, error) {
	session, err := t.load(ctx)
	if err != nil {
		return false, err
	}
	return session.PreviousUsable(presentedHash, now), nil
}

func (t *redisSessionTx) Revoke(ctx context.Context) error {
	session, err := t.load(ctx)
	if err != nil {
		return err
	}
	if !session.Active() {
		return nil
	}
	session.Status = models.SessionRevoked
	session.UpdatedAt = time.Now().UTC()
	t.dirty = true
	return nil
}

func (t *redisSessionTx) commit(ctx context.Context) error {
	if !t.dirty {
		return nil
	}
	_, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		t.repo.write(ctx, p, t.session)
		return nil
	})
	return err
}
