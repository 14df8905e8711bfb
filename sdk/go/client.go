// Package authcore is the Go client for the service desk authentication
// core. Other service desk modules use it to check sessions and permissions
// and to protect their Echo routes.
package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultCookieName is the cookie the authcore server stores the access token in.
const DefaultCookieName = "authcore_session"

// Config holds the configuration for the authcore client.
type Config struct {
	// BaseURL is the root URL of the authcore server.
	// Examples: "https://auth.example.com" or "https://auth.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// CookieName is the name of the access token cookie.
	// Default: "authcore_session"
	CookieName string

	// CacheTTL controls how long successful session checks are cached.
	// A revoked session can stay usable for up to this long. Negative
	// disables caching.
	// Default: 30 seconds
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client calls the authcore API.
type Client struct {
	cfg   Config
	cache *sessionCache
}

// NewClient creates a new authcore client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newSessionCache(),
	}
}

// CheckSession confirms that the access token belongs to a live session and
// returns the account with its roles and permissions.
func (c *Client) CheckSession(ctx context.Context, token string) (*SessionInfo, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	if c.cfg.CacheTTL > 0 {
		if info, ok := c.cache.get(token); ok {
			return info, nil
		}
	}

	body, err := c.do(ctx, http.MethodGet, "/session", nil, token)
	if err != nil {
		return nil, sessionError(err)
	}

	var info SessionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("authcore: failed to parse session: %w", err)
	}
	if !info.Valid {
		return nil, ErrSessionInvalid
	}

	if c.cfg.CacheTTL > 0 {
		c.cache.set(token, &info, c.cfg.CacheTTL)
	}
	return &info, nil
}

// Check asks the server whether the session may perform action on resource.
func (c *Client) Check(ctx context.Context, token, resource, action string) (bool, error) {
	if token == "" {
		return false, ErrNoToken
	}
	body, err := c.do(ctx, http.MethodPost, "/authz/check", map[string]string{
		"resource": resource,
		"action":   action,
	}, token)
	if err != nil {
		return false, sessionError(err)
	}

	var decision AuthzDecision
	if err := json.Unmarshal(body, &decision); err != nil {
		return false, fmt.Errorf("authcore: failed to parse authz response: %w", err)
	}
	return decision.Allowed, nil
}

// Login authenticates with email and password. The result holds either
// tokens or an MFA challenge.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/login", req, "")
	if err != nil {
		return nil, err
	}

	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("authcore: failed to parse response: %w", err)
	}

	if probe.Status == "mfa_required" {
		var challenge MFAChallenge
		if err := json.Unmarshal(body, &challenge); err != nil {
			return nil, fmt.Errorf("authcore: failed to parse MFA challenge: %w", err)
		}
		return &LoginResult{MFARequired: &challenge}, nil
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("authcore: failed to parse login response: %w", err)
	}
	return &LoginResult{Tokens: &tokens}, nil
}

// VerifyMFA completes a login that returned an MFA challenge.
func (c *Client) VerifyMFA(ctx context.Context, challengeID, code string) (*Tokens, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/mfa/verify", map[string]string{
		"challengeId": challengeID,
		"code":        code,
	}, "")
	if err != nil {
		return nil, err
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("authcore: failed to parse MFA response: %w", err)
	}
	return &tokens, nil
}

// Refresh rotates the session's token pair.
func (c *Client) Refresh(ctx context.Context, accessToken, refreshToken string) (*Tokens, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/token/refresh", map[string]string{
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
	}, "")
	if err != nil {
		return nil, err
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("authcore: failed to parse refresh response: %w", err)
	}
	c.cache.delete(accessToken)
	return &tokens, nil
}

// Logout ends the session and drops it from the local cache.
func (c *Client) Logout(ctx context.Context, token string) error {
	c.cache.delete(token)
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, token)
	return err
}

// Forget removes a token from the local cache.
func (c *Client) Forget(token string) {
	c.cache.delete(token)
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, token string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("authcore: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("authcore: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authcore: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("authcore: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// sessionError folds 401 and 403 responses into the sentinels.
func sessionError(err error) error {
	if apiErr, ok := IsAPIError(err); ok {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrSessionInvalid, apiErr.Code)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Code)
		}
	}
	return err
}

// sessionCache holds recent successful session checks.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	swept   time.Time
}

type cacheEntry struct {
	info      *SessionInfo
	expiresAt time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{entries: make(map[string]cacheEntry)}
}

func (sc *sessionCache) get(token string) (*SessionInfo, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	entry, ok := sc.entries[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.info, true
}

func (sc *sessionCache) set(token string, info *SessionInfo, ttl time.Duration) {
	now := time.Now()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries[token] = cacheEntry{info: info, expiresAt: now.Add(ttl)}

	if now.Sub(sc.swept) > time.Minute {
		sc.swept = now
		for k, v := range sc.entries {
			if now.After(v.expiresAt) {
				delete(sc.entries, k)
			}
		}
	}
}

func (sc *sessionCache) delete(token string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.entries, token)
}
