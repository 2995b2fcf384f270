// Package authclient is a client for the auth API. It keeps the access token in memory, leaves
// the refresh token to an HTTP-only cookie in its jar, and transparently refreshes on 401.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// ErrRefreshFailed is returned when the server denied a refresh; the client is logged out.
var ErrRefreshFailed = errors.New("authclient: refresh failed")

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authclient: status %d: %s %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type accessTokenBody struct {
	AccessToken string `json:"accessToken"`
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient uses hc for all calls. A cookie jar is installed when hc has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used by background refresh.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the auth API on behalf of one user.
type Client struct {
	baseURL     string
	http        *http.Client
	logger      *zap.Logger
	coordinator *Coordinator

	mu          sync.RWMutex
	accessToken string
}

// New builds a client for baseURL, e.g. "http://localhost:8080/api/v1".
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		c.http.Jar = jar
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.coordinator = NewCoordinator(c.refresh)
	c.coordinator.OnTokenRefresh(c.setAccessToken)
	return c, nil
}

// AccessToken returns the current in-memory access token; empty when logged out.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// Forget drops the in-memory access token so the next authenticated call goes through refresh.
func (c *Client) Forget() {
	c.setAccessToken("")
}

// OnTokenRefresh registers fn to observe every refreshed access token.
func (c *Client) OnTokenRefresh(fn func(accessToken string)) {
	c.coordinator.OnTokenRefresh(fn)
}

// Login authenticates and stores the access token; the refresh cookie lands in the jar.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}
	var out accessTokenBody
	if err := c.call(ctx, http.MethodPost, "/auth/login", body, "", &out); err != nil {
		return err
	}
	c.setAccessToken(out.AccessToken)
	return nil
}

// Refresh obtains a new access token, sharing any refresh already in flight.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.coordinator.Refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	var out accessTokenBody
	if err := c.call(ctx, http.MethodPost, "/auth/refresh", nil, "", &out); err != nil {
		c.setAccessToken("")
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %s", ErrRefreshFailed, statusErr.Message)
		}
		return "", err
	}
	return out.AccessToken, nil
}

// Logout revokes the session server-side and forgets the access token. It never fails on a
// rejected credential.
func (c *Client) Logout(ctx context.Context) error {
	c.setAccessToken("")
	return c.call(ctx, http.MethodPost, "/auth/logout", nil, "", nil)
}

// Do sends an authenticated JSON request. On 401 it refreshes once through the coordinator
// and retries; out receives the response data when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = raw
	}

	used := c.AccessToken()
	err := c.call(ctx, method, path, body, used, out)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		return err
	}

	token := c.AccessToken()
	if token == used {
		if token, err = c.Refresh(ctx); err != nil {
			return err
		}
	}
	return c.call(ctx, method, path, body, token, out)
}

// StartSilentRefresh refreshes every interval until ctx is done or a refresh is denied.
func (c *Client) StartSilentRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Refresh(ctx); err != nil {
					if errors.Is(err, ErrRefreshFailed) {
						c.logger.Warn("silent refresh denied, stopping", zap.Error(err))
						return
					}
					c.logger.Warn("silent refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, bearer string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	var decodeErr error
	if len(bytes.TrimSpace(raw)) > 0 {
		decodeErr = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			statusErr.Code = env.Error.Code
			statusErr.Message = env.Error.Message
		}
		return statusErr
	}
	if decodeErr != nil {
		return fmt.Errorf("authclient: decode response: %w", decodeErr)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("authclient: decode data: %w", err)
		}
	}
	return nil
}
