package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
	"github.com/noah-isme/auth-session-api/internal/service"
)

const cookieName = "refresh-token"

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memoryUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) && !u.IsDeleted {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.IsDeleted {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (m *memoryUsers) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *memoryUsers) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.IsDeleted {
		return sql.ErrNoRows
	}
	u.IsDeleted = true
	return nil
}

type testServer struct {
	router   *gin.Engine
	sessions *repository.RedisSessionRepository
	tokens   *service.TokenService
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T, grace, idempotency time.Duration) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &memoryUsers{users: map[string]*models.User{
		"u1": {ID: "u1", Email: "user@example.com", PasswordHash: string(hash)},
		"u2": {ID: "u2", Email: "other@example.com", PasswordHash: string(hash)},
	}}

	sessions := repository.NewRedisSessionRepository(client, "test", time.Hour)
	tokens := service.NewTokenService(service.TokenConfig{
		Issuer:        "test",
		AccessSecret:  "access-secret",
		AccessExpiry:  time.Minute,
		RefreshSecret: "refresh-secret",
		RefreshExpiry: 24 * time.Hour,
	})
	metrics := service.NewMetricsService()
	authSvc := service.NewAuthService(users, sessions, tokens, validator.New(), nil, service.AuthConfig{BcryptCost: bcrypt.MinCost})
	refreshSvc := service.NewRefreshService(users, sessions, tokens, grace, nil, metrics)
	coalescer := service.NewRefreshCoalescer(refreshSvc, tokens, idempotency, metrics)

	auth := NewAuthHandler(authSvc, coalescer, refreshSvc, CookieSettings{Name: cookieName, Path: "/", MaxAge: 24 * time.Hour}, nil)
	router := NewRouter(RouterConfig{
		APIPrefix:   "/api/v1",
		Auth:        auth,
		AuthService: authSvc,
		Metrics:     metrics,
		Readiness: map[string]ReadinessCheck{
			"session_store": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	})

	return &testServer{router: router, sessions: sessions, tokens: tokens, redis: mr}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, cookie string, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: cookie})
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, email string) (access, refresh string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": "password123"}, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return accessToken(t, rec), refreshCookie(t, rec).Value
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", cookieName)
	return nil
}

func accessToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Data models.AccessTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.AccessToken)
	return body.Data.AccessToken
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Message
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)
	rec := srv.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "user@example.com", "password": "password123"}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	cookie := refreshCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int((24 * time.Hour).Seconds()), cookie.MaxAge)
	assert.NotContains(t, rec.Body.String(), cookie.Value)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "user@example.com", "password": "wrongpass1"}, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotatesCookie(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, 10*time.Millisecond)
	_, original := srv.login(t, "user@example.com")

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accessToken(t, rec)
	rotated := refreshCookie(t, rec).Value
	assert.NotEqual(t, original, rotated)

	claims, err := srv.tokens.VerifyRefresh(rotated)
	require.NoError(t, err)
	session, err := srv.sessions.FindByID(context.Background(), claims.SessionID)
	require.NoError(t, err)
	assert.Equal(t, service.HashToken(rotated), session.CurrentRefreshHash)
	require.NotNil(t, session.PrevRefreshHash)
	assert.Equal(t, service.HashToken(original), *session.PrevRefreshHash)
	assert.True(t, session.PreviousUsable(service.HashToken(original), time.Now()))
}

func TestRefreshReuseAfterGraceRevokesSession(t *testing.T) {
	srv := newTestServer(t, 50*time.Millisecond, 10*time.Millisecond)
	_, original := srv.login(t, "user@example.com")

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	require.Equal(t, http.StatusOK, rec.Code)
	newest := refreshCookie(t, rec).Value

	time.Sleep(100 * time.Millisecond)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh denied", errorMessage(t, rec))

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, newest, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh denied", errorMessage(t, rec))
}

func TestRefreshDoubleSubmitReturnsSamePair(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)
	_, original := srv.login(t, "user@example.com")

	first := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	second := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, accessToken(t, first), accessToken(t, second))
	assert.Equal(t, refreshCookie(t, first).Value, refreshCookie(t, second).Value)
}

func TestRefreshWithoutCookie(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh denied", errorMessage(t, rec))

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh denied", errorMessage(t, rec))
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, 10*time.Millisecond)
	_, refresh := srv.login(t, "user@example.com")

	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodPost, "/api/v1/auth/logout", nil, refresh, "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		cleared := refreshCookie(t, rec)
		assert.Empty(t, cleared.Value)
		assert.Less(t, cleared.MaxAge, 0)
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/logout", nil, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = srv.do(t, http.MethodPost, "/api/v1/auth/logout", nil, "garbage", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, refresh, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutDropsReplayedRefresh(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Minute)
	_, original := srv.login(t, "user@example.com")

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := refreshCookie(t, rec).Value

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/logout", nil, rotated, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteUserDropsReplayedRefresh(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Minute)
	_, original := srv.login(t, "user@example.com")

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	require.Equal(t, http.StatusOK, rec.Code)
	access := accessToken(t, rec)

	rec = srv.do(t, http.MethodDelete, "/api/v1/users/u1", nil, "", access)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, original, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeAndDeleteUser(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, 10*time.Millisecond)
	access, refresh := srv.login(t, "user@example.com")

	rec := srv.do(t, http.MethodGet, "/api/v1/auth/me", nil, "", access)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user@example.com")

	rec = srv.do(t, http.MethodGet, "/api/v1/auth/me", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodDelete, "/api/v1/users/u2", nil, "", access)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodDelete, "/api/v1/users/u1", nil, "", access)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, refresh, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)

	rec := srv.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "new@example.com", "password": "password123"}, "", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "user@example.com", "password": "password123"}, "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	srv.login(t, "new@example.com")
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)

	rec := srv.do(t, http.MethodGet, "/health", nil, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.login(t, "user@example.com")
	rec = srv.do(t, http.MethodGet, "/metrics", nil, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReady(t *testing.T) {
	srv := newTestServer(t, 5*time.Second, time.Second)

	rec := srv.do(t, http.MethodGet, "/ready", nil, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_store":"ok"`)

	srv.redis.Close()
	rec = srv.do(t, http.MethodGet, "/ready", nil, "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)

	rec = srv.do(t, http.MethodGet, "/health", nil, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
