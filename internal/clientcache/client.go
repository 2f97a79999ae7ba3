// Package clientcache is the calling side of the session directory: a small
// HTTP client for the action endpoint plus a per-client cached mirror of the
// authenticated identity. The mirror is advisory; every gating decision is
// revalidated against the directory before it is trusted.
package clientcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultRequestTimeout = 10 * time.Second

// Session mirrors the directory's wire shape of a session record.
type Session struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	UserType     string `json:"userType"`
	UserCategory string `json:"userCategory"`
	UserName     string `json:"userName"`
	LoginTime    string `json:"loginTime"`
	LastActivity string `json:"lastActivity"`
	ExpiresAt    string `json:"expiresAt"`
}

// CheckResult is the directory's admission decision for a login attempt.
type CheckResult struct {
	Allowed  bool     `json:"allowed"`
	Verdict  string   `json:"verdict"`
	Occupant *Session `json:"occupant"`
}

// HeartbeatResult distinguishes "the server answered and the session is
// gone" from a transport failure, which surfaces as an error instead.
type HeartbeatResult struct {
	Active  bool     `json:"active"`
	Session *Session `json:"session"`
}

// SessionData is the create_session payload. Token comes from the upstream
// authentication step.
type SessionData struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	UserName string `json:"userName"`
	Token    string `json:"token,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a directory client. The timeout bounds every request; on
// a timeout the outcome is unknown and the caller should re-run CheckLogin
// rather than assume either success or failure.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (c *Client) post(ctx context.Context, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	if !env.Success {
		if env.Message != "" {
			return fmt.Errorf("session directory: %s", env.Message)
		}
		return fmt.Errorf("session directory: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode session data: %w", err)
		}
	}
	return nil
}

func (c *Client) CheckLogin(ctx context.Context, category, userID string) (*CheckResult, error) {
	var out CheckResult
	err := c.post(ctx, map[string]any{
		"action":       "check_login",
		"userCategory": category,
		"userId":       userID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateSession(ctx context.Context, data SessionData) (*Session, error) {
	var out struct {
		Session *Session `json:"session"`
	}
	err := c.post(ctx, map[string]any{
		"action":      "create_session",
		"sessionData": data,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *Client) TerminateSession(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Changed bool `json:"changed"`
	}
	err := c.post(ctx, map[string]any{
		"action":    "terminate_session",
		"sessionId": sessionID,
	}, &out)
	return out.Changed, err
}

func (c *Client) ForceLogoutCategory(ctx context.Context, category string) (int64, error) {
	var out struct {
		TerminatedCount int64 `json:"terminatedCount"`
	}
	err := c.post(ctx, map[string]any{
		"action":       "force_logout_category",
		"userCategory": category,
	}, &out)
	return out.TerminatedCount, err
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (*HeartbeatResult, error) {
	var out HeartbeatResult
	err := c.post(ctx, map[string]any{
		"action":    "heartbeat",
		"sessionId": sessionID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ActiveSessions(ctx context.Context) ([]Session, map[string]int, error) {
	var out struct {
		Sessions         []Session      `json:"sessions"`
		CountsByCategory map[string]int `json:"countsByCategory"`
	}
	err := c.post(ctx, map[string]any{"action": "get_active_sessions"}, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Sessions, out.CountsByCategory, nil
}
