package authclient

import (
	"context"
	"sync"

	"github.com/noah-isme/auth-session-api/pkg/flight"
)

const refreshKey = "refresh"

// RefreshFunc performs one refresh network call and returns the new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Coordinator keeps at most one refresh call outstanding per process. Callers arriving while
// a call is in flight wait for it and receive its result. Nothing is cached afterwards, so the
// next caller after completion, successful or not, starts a new call.
type Coordinator struct {
	refresh RefreshFunc
	group   *flight.Group[string]

	mu        sync.RWMutex
	listeners []func(accessToken string)
}

// NewCoordinator wraps refresh.
func NewCoordinator(refresh RefreshFunc) *Coordinator {
	return &Coordinator{refresh: refresh, group: flight.New[string](0)}
}

// OnTokenRefresh registers fn to receive every newly issued access token.
func (c *Coordinator) OnTokenRefresh(fn func(accessToken string)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Refresh starts a refresh call or joins the one in flight.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	token, _, err := c.group.Do(ctx, refreshKey, func(ctx context.Context) (string, error) {
		token, err := c.refresh(ctx)
		if err != nil {
			return "", err
		}
		c.notify(token)
		return token, nil
	})
	return token, err
}

func (c *Coordinator) notify(token string) {
	c.mu.RLock()
	listeners := append([]func(string){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(token)
	}
}
