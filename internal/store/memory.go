package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process session store with the same semantics as the
// Postgres store. It backs tests and the memory store backend; the mutex
// makes the deactivate-then-insert transition of CreateExclusive atomic.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]SessionRecord)}
}

func (m *Memory) FindActiveByCategory(_ context.Context, category string, asOf time.Time) (*SessionRecord, error) {
	category, err := NormalizeCategory(category)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var found *SessionRecord
	for _, rec := range m.sessions {
		if rec.UserCategory != category || !rec.Live(asOf) {
			continue
		}
		if found == nil || rec.LoginTime.After(found.LoginTime) {
			copied := rec
			found = &copied
		}
	}
	return found, nil
}

func (m *Memory) CreateExclusive(_ context.Context, rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	category, err := NormalizeCategory(rec.UserCategory)
	if err != nil {
		return err
	}
	rec.UserCategory = category

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[rec.SessionID]; exists {
		return fmt.Errorf("session id %s already exists", rec.SessionID)
	}
	for id, existing := range m.sessions {
		if existing.UserCategory == category && existing.IsActive {
			existing.IsActive = false
			m.sessions[id] = existing
		}
	}
	m.sessions[rec.SessionID] = *rec
	return nil
}

func (m *Memory) Deactivate(_ context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok || !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	m.sessions[sessionID] = rec
	return true, nil
}

func (m *Memory) DeactivateCategory(_ context.Context, category string) (int64, error) {
	category, err := NormalizeCategory(category)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, rec := range m.sessions {
		if rec.UserCategory == category && rec.IsActive {
			rec.IsActive = false
			m.sessions[id] = rec
			count++
		}
	}
	return count, nil
}

func (m *Memory) Touch(_ context.Context, sessionID string, at time.Time) (*SessionRecord, error) {
	sessionID = strings.TrimSpace(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !rec.Live(at) {
		return nil, ErrSessionInactive
	}
	rec.LastActivity = at.UTC()
	m.sessions[sessionID] = rec
	copied := rec
	return &copied, nil
}

func (m *Memory) ListActive(_ context.Context, asOf time.Time) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionRecord, 0, 2)
	for _, rec := range m.sessions {
		if rec.Live(asOf) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LoginTime.After(out[j].LoginTime)
	})
	return out, nil
}

func (m *Memory) CountExpired(_ context.Context, asOf time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, rec := range m.sessions {
		if !rec.ExpiresAt.After(asOf) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteExpired(_ context.Context, asOf time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("delete batch limit must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, rec := range m.sessions {
		if deleted >= int64(limit) {
			break
		}
		if !rec.ExpiresAt.After(asOf) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
