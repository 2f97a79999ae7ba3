// Package admission arbitrates the two exclusive login seats: at most one
// nominee and at most one admin/committee identity may hold an active
// session at a time. Categories are independent, a user re-entering their
// own seat is refreshed rather than denied, and an occupied seat is only
// released by logout, expiry, or an explicit takeover.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jsvanda/onesession/internal/store"
)

const DefaultSessionTTL = 24 * time.Hour

var ErrUserRequired = errors.New("candidate user id is required")

// SessionStore is the slice of the record store the controller needs.
type SessionStore interface {
	FindActiveByCategory(ctx context.Context, category string, asOf time.Time) (*store.SessionRecord, error)
	CreateExclusive(ctx context.Context, rec *store.SessionRecord) error
	Deactivate(ctx context.Context, sessionID string) (bool, error)
	DeactivateCategory(ctx context.Context, category string) (int64, error)
	Touch(ctx context.Context, sessionID string, at time.Time) (*store.SessionRecord, error)
	ListActive(ctx context.Context, asOf time.Time) ([]store.SessionRecord, error)
}

type Verdict string

const (
	VerdictAllow        Verdict = "allow"
	VerdictSameUser     Verdict = "allow_same_user_refresh"
	VerdictDenyOccupied Verdict = "deny_occupied"
)

// Decision is the controller's verdict on a login attempt. Occupant is set
// only for DenyOccupied and for same-user refreshes, where it names the
// session being refreshed.
type Decision struct {
	Verdict  Verdict
	Occupant *store.SessionRecord
}

func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow || d.Verdict == VerdictSameUser
}

// NewSession carries everything a successful authentication hands over
// before a seat is claimed.
type NewSession struct {
	UserID    string
	UserType  string
	UserName  string
	IPAddress string
	UserAgent string
}

type Controller struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time
}

func New(s SessionStore, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Controller{store: s, ttl: ttl, now: time.Now}
}

// Evaluate decides whether a login attempt for a category may proceed. A
// store fault is returned as-is: admission is never granted on ambiguous
// state.
func (c *Controller) Evaluate(ctx context.Context, category, candidateUserID string) (Decision, error) {
	category, err := store.NormalizeCategory(category)
	if err != nil {
		return Decision{}, err
	}
	candidateUserID = strings.TrimSpace(candidateUserID)
	if candidateUserID == "" {
		return Decision{}, ErrUserRequired
	}

	existing, err := c.store.FindActiveByCategory(ctx, category, c.now())
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate admission for %s: %w", category, err)
	}
	if existing == nil {
		return Decision{Verdict: VerdictAllow}, nil
	}
	if existing.UserID == candidateUserID {
		return Decision{Verdict: VerdictSameUser, Occupant: existing}, nil
	}
	return Decision{Verdict: VerdictDenyOccupied, Occupant: existing}, nil
}

// Admit claims the seat for an authenticated identity. The seat's category
// is derived from the user type, a fresh session id is minted (same-user
// re-login is a full refresh, not a resumption), and any previous occupant
// is displaced atomically.
func (c *Controller) Admit(ctx context.Context, input NewSession) (*store.SessionRecord, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return nil, ErrUserRequired
	}
	category, err := store.CategoryForUserType(input.UserType)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	rec := &store.SessionRecord{
		SessionID:    uuid.NewString(),
		UserID:       input.UserID,
		UserType:     strings.ToLower(strings.TrimSpace(input.UserType)),
		UserCategory: category,
		UserName:     strings.TrimSpace(input.UserName),
		LoginTime:    now,
		LastActivity: now,
		IPAddress:    strings.TrimSpace(input.IPAddress),
		UserAgent:    truncate(strings.TrimSpace(input.UserAgent), 512),
		IsActive:     true,
		ExpiresAt:    now.Add(c.ttl),
	}
	if err := c.store.CreateExclusive(ctx, rec); err != nil {
		return nil, fmt.Errorf("admit %s into %s: %w", input.UserID, category, err)
	}
	return rec, nil
}

// Takeover unconditionally displaces the current occupant of a category.
// Obtaining the user's confirmation is the caller's job; the controller only
// executes the displacement.
func (c *Controller) Takeover(ctx context.Context, category string) (int64, error) {
	category, err := store.NormalizeCategory(category)
	if err != nil {
		return 0, err
	}
	count, err := c.store.DeactivateCategory(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("takeover %s: %w", category, err)
	}
	return count, nil
}

// Logout releases a session. Idempotent: a repeated or unknown session id
// reports changed=false without error.
func (c *Controller) Logout(ctx context.Context, sessionID string) (bool, error) {
	return c.store.Deactivate(ctx, sessionID)
}

// Heartbeat records activity on a live session. It fails with
// store.ErrSessionNotFound or store.ErrSessionInactive so a displaced
// client can tell its session was taken over rather than dropped.
func (c *Controller) Heartbeat(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	return c.store.Touch(ctx, sessionID, c.now())
}

// ActiveSessions returns the live records plus per-category counts for
// observability.
func (c *Controller) ActiveSessions(ctx context.Context) ([]store.SessionRecord, map[string]int, error) {
	records, err := c.store.ListActive(ctx, c.now())
	if err != nil {
		return nil, nil, fmt.Errorf("list active sessions: %w", err)
	}
	counts := make(map[string]int, 2)
	for _, category := range store.Categories() {
		counts[category] = 0
	}
	for _, rec := range records {
		counts[rec.UserCategory]++
	}
	return records, counts, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
