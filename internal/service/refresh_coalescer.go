package service

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/pkg/flight"
)

type tokenRefresher interface {
	Refresh(ctx context.Context, presented string) (*models.TokenPair, error)
}

type refreshVerifier interface {
	VerifyRefresh(token string) (*models.RefreshClaims, error)
}

// RefreshCoalescer deduplicates refresh calls carrying the same token. Concurrent callers share
// one protocol run, and callers arriving within window of its completion get the same outcome,
// success or failure, without running the protocol again.
type RefreshCoalescer struct {
	refresher tokenRefresher
	tokens    refreshVerifier
	group     *flight.Group[*models.TokenPair]
	metrics   *MetricsService
	window    time.Duration
	now       func() time.Time

	mu sync.Mutex
	// scope ("session:<id>" or "user:<id>") -> replay key -> last seen
	scopes map[string]map[string]time.Time
}

// NewRefreshCoalescer wraps refresher with an idempotency window. tokens identifies the session
// and user behind a presented token so their replayable outcomes can be dropped on revocation.
func NewRefreshCoalescer(refresher tokenRefresher, tokens refreshVerifier, window time.Duration, metrics *MetricsService) *RefreshCoalescer {
	return &RefreshCoalescer{
		refresher: refresher,
		tokens:    tokens,
		group:     flight.New[*models.TokenPair](window),
		metrics:   metrics,
		window:    window,
		now:       time.Now,
		scopes:    make(map[string]map[string]time.Time),
	}
}

// Refresh runs or joins the rotation for presented. The protocol keeps running even when ctx
// is cancelled; ctx only bounds how long this caller waits.
func (c *RefreshCoalescer) Refresh(ctx context.Context, presented string) (*models.TokenPair, error) {
	key := HashToken(presented)
	if claims := c.claims(presented); claims != nil {
		c.track(key, sessionScope(claims.SessionID), userScope(claims.UserID))
	}

	pair, source, err := c.group.Do(ctx, key, func(ctx context.Context) (*models.TokenPair, error) {
		return c.refresher.Refresh(ctx, presented)
	})
	c.metrics.RecordCoalesced(source.String())
	return pair, err
}

// ForgetSession drops replayable outcomes of the session presented belongs to.
func (c *RefreshCoalescer) ForgetSession(presented string) {
	if claims := c.claims(presented); claims != nil {
		c.forget(sessionScope(claims.SessionID))
	}
}

// ForgetUser drops replayable outcomes of every session of userID.
func (c *RefreshCoalescer) ForgetUser(userID string) {
	c.forget(userScope(userID))
}

func (c *RefreshCoalescer) claims(presented string) *models.RefreshClaims {
	if c.window <= 0 || c.tokens == nil || presented == "" {
		return nil
	}
	claims, err := c.tokens.VerifyRefresh(presented)
	if err != nil {
		return nil
	}
	return claims
}

func (c *RefreshCoalescer) track(key string, scopes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for scope, keys := range c.scopes {
		for k, at := range keys {
			if now.Sub(at) > c.window {
				delete(keys, k)
			}
		}
		if len(keys) == 0 {
			delete(c.scopes, scope)
		}
	}

	for _, scope := range scopes {
		keys, ok := c.scopes[scope]
		if !ok {
			keys = make(map[string]time.Time)
			c.scopes[scope] = keys
		}
		keys[key] = now
	}
}

func (c *RefreshCoalescer) forget(scope string) {
	c.mu.Lock()
	keys := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()

	for key := range keys {
		c.group.Forget(key)
	}
}

func sessionScope(id string) string { return "session:" + id }

func userScope(id string) string { return "user:" + id }
