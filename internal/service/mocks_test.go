package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
)

type mockUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	findErr   error
	createErr error
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	repo := &mockUserRepo{users: make(map[string]*models.User)}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) && !u.IsDeleted {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok || u.IsDeleted {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.IsDeleted {
		return sql.ErrNoRows
	}
	u.IsDeleted = true
	return nil
}

// memSessionStore serialises transactions per session id, like a row lock.
type memSessionStore struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	rows      map[string]models.Session
	txErr     error
	rotations int64
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{locks: make(map[string]*sync.Mutex), rows: make(map[string]models.Session)}
}

func (m *memSessionStore) rowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *memSessionStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[session.ID]; ok {
		return repository.ErrSessionExists
	}
	now := time.Now().UTC()
	session.Status = models.SessionActive
	session.PrevRefreshHash = nil
	session.PrevUsableUntil = nil
	session.LastRotatedAt = now
	session.CreatedAt = now
	session.UpdatedAt = now
	m.rows[session.ID] = *session
	return nil
}

func (m *memSessionStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memSessionStore) get(id string) models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memSessionStore) RunInTx(ctx context.Context, sessionID string, fn func(repository.SessionTx) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	l := m.rowLock(sessionID)
	l.Lock()
	defer l.Unlock()

	tx := &memSessionTx{store: m, id: sessionID}
	m.mu.Lock()
	if row, ok := m.rows[sessionID]; ok {
		tx.session = &row
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		m.mu.Lock()
		m.rows[sessionID] = *tx.session
		m.mu.Unlock()
	}
	return nil
}

func (m *memSessionStore) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.UserID == userID && row.Active() {
			row.Status = models.SessionRevoked
			m.rows[id] = row
			n++
		}
	}
	return n, nil
}

type memSessionTx struct {
	store   *memSessionStore
	id      string
	session *models.Session
	dirty   bool
}

func (t *memSessionTx) GetForUpdate(ctx context.Context) (*models.Session, error) {
	if t.session == nil {
		return nil, nil
	}
	clone := *t.session
	return &clone, nil
}

func (t *memSessionTx) RotateWithGrace(ctx context.Context, newHash string, grace time.Duration, now time.Time) (*models.Session, error) {
	if !t.session.Active() {
		return nil, repository.ErrSessionNotFound
	}
	t.session.Rotate(newHash, grace, now)
	t.dirty = true
	atomic.AddInt64(&t.store.rotations, 1)
	clone := *t.session
	return &clone, nil
}

func (t *memSessionTx) AcceptPreviousIfWithinGrace(ctx context.Context, presentedHash string, now time.Time) (bool, error) {
	return t.session.PreviousUsable(presentedHash, now), nil
}

func (t *memSessionTx) Revoke(ctx context.Context) error {
	if !t.session.Active() {
		return nil
	}
	t.session.Status = models.SessionRevoked
	t.dirty = true
	return nil
}

// steppingClock advances by step on every read.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var ticks int64
	return func() time.Time {
		n := atomic.AddInt64(&ticks, 1)
		return start.Add(time.Duration(n) * step)
	}
}

var errStoreDown = errors.New("connection refused")
