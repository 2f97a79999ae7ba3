package clientcache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Entry is the locally mirrored identity for one category. It always embeds
// the session id so a server answer of "that session is gone" can be told
// apart from a network hiccup.
type Entry struct {
	SessionID    string
	UserID       string
	UserCategory string
	UserType     string
	UserName     string
	IssuedAt     time.Time
}

// Cache holds at most one mirrored entry per category. It is a plain value
// handed to whoever needs it, not a process-wide singleton, and it is never
// authoritative: Revalidate must confirm an entry before it gates anything
// security-relevant.
type Cache struct {
	mu      sync.Mutex
	client  *Client
	entries map[string]Entry
}

func NewCache(client *Client) *Cache {
	return &Cache{client: client, entries: make(map[string]Entry, 2)}
}

// Put stores the mirror for the entry's category, replacing any previous
// occupant of that slot. The other category's slot is untouched.
func (c *Cache) Put(entry Entry) {
	category := strings.TrimSpace(entry.UserCategory)
	if category == "" || strings.TrimSpace(entry.SessionID) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[category] = entry
}

// Get returns the cached entry for a category without consulting the
// directory. Suitable for rendering only, never for gating.
func (c *Cache) Get(category string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[strings.TrimSpace(category)]
	return entry, ok
}

// ClearCategory drops one category's mirror; an admin logout never clears a
// cached nominee identity and vice versa.
func (c *Cache) ClearCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.TrimSpace(category))
}

// Revalidate confirms the cached entry against the directory. Three
// outcomes:
//   - the server confirms the session: the entry is returned and kept;
//   - the server answers but the session is gone (expired, logged out, or
//     taken over elsewhere): the entry is cleared and ok=false;
//   - the request fails in transport: the entry is kept and the error is
//     returned, so the caller retries instead of discarding a possibly
//     valid session.
func (c *Cache) Revalidate(ctx context.Context, category string) (Entry, bool, error) {
	entry, ok := c.Get(category)
	if !ok {
		return Entry{}, false, nil
	}

	result, err := c.client.Heartbeat(ctx, entry.SessionID)
	if err != nil {
		return entry, false, err
	}
	if !result.Active {
		c.ClearCategory(category)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Logout terminates the cached session at the directory and clears the
// local mirror. Safe to call with nothing cached.
func (c *Cache) Logout(ctx context.Context, category string) error {
	entry, ok := c.Get(category)
	if !ok {
		return nil
	}
	if _, err := c.client.TerminateSession(ctx, entry.SessionID); err != nil {
		return err
	}
	c.ClearCategory(category)
	return nil
}

// EntryFromSession converts a directory response into a cache entry.
func EntryFromSession(s *Session, issuedAt time.Time) Entry {
	if s == nil {
		return Entry{}
	}
	return Entry{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		UserCategory: s.UserCategory,
		UserType:     s.UserType,
		UserName:     s.UserName,
		IssuedAt:     issuedAt,
	}
}
