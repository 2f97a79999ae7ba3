package clientcache

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jsvanda/onesession/internal/admission"
	"github.com/jsvanda/onesession/internal/directory"
	"github.com/jsvanda/onesession/internal/store"
)

func newDirectoryForTest(t *testing.T) *Client {
	t.Helper()

	e := echo.New()
	handler := directory.New(admission.New(store.NewMemory(), time.Hour), nil, nil)
	handler.Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func createAndCache(t *testing.T, client *Client, cache *Cache, userID, userType string) Entry {
	t.Helper()

	session, err := client.CreateSession(context.Background(), SessionData{
		UserID:   userID,
		UserType: userType,
		UserName: "Test " + userID,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s) failed: %v", userID, err)
	}
	entry := EntryFromSession(session, time.Now())
	cache.Put(entry)
	return entry
}

func TestClientCheckLoginRoundTrip(t *testing.T) {
	client := newDirectoryForTest(t)
	ctx := context.Background()

	result, err := client.CheckLogin(ctx, store.CategoryNominee, "nominee-a")
	if err != nil {
		t.Fatalf("CheckLogin failed: %v", err)
	}
	if !result.Allowed || result.Occupant != nil {
		t.Fatalf("free seat result=%+v want allowed", result)
	}

	cache := NewCache(client)
	createAndCache(t, client, cache, "nominee-a", store.UserTypeNominee)

	result, err = client.CheckLogin(ctx, store.CategoryNominee, "nominee-b")
	if err != nil {
		t.Fatalf("CheckLogin failed: %v", err)
	}
	if result.Allowed || result.Occupant == nil || result.Occupant.UserID != "nominee-a" {
		t.Fatalf("occupied seat result=%+v want deny with occupant", result)
	}
}

func TestCacheRevalidateConfirmsLiveSession(t *testing.T) {
	client := newDirectoryForTest(t)
	cache := NewCache(client)
	ctx := context.Background()

	put := createAndCache(t, client, cache, "nominee-a", store.UserTypeNominee)

	entry, ok, err := cache.Revalidate(ctx, store.CategoryNominee)
	if err != nil {
		t.Fatalf("Revalidate failed: %v", err)
	}
	if !ok || entry.SessionID != put.SessionID {
		t.Fatalf("Revalidate=%+v ok=%t want confirmed entry", entry, ok)
	}
}

func TestCacheRevalidateClearsOnlyTheTakenOverCategory(t *testing.T) {
	client := newDirectoryForTest(t)
	cache := NewCache(client)
	ctx := context.Background()

	createAndCache(t, client, cache, "nominee-a", store.UserTypeNominee)
	adminEntry := createAndCache(t, client, cache, "committee-a", store.UserTypeStateCommittee)

	// Another device takes over the nominee seat.
	if _, err := client.ForceLogoutCategory(ctx, store.CategoryNominee); err != nil {
		t.Fatalf("ForceLogoutCategory failed: %v", err)
	}

	_, ok, err := cache.Revalidate(ctx, store.CategoryNominee)
	if err != nil {
		t.Fatalf("Revalidate failed: %v", err)
	}
	if ok {
		t.Fatalf("taken-over session must not revalidate")
	}
	if _, cached := cache.Get(store.CategoryNominee); cached {
		t.Fatalf("stale nominee entry must be cleared")
	}

	entry, ok, err := cache.Revalidate(ctx, store.CategoryAdmin)
	if err != nil {
		t.Fatalf("admin Revalidate failed: %v", err)
	}
	if !ok || entry.SessionID != adminEntry.SessionID {
		t.Fatalf("admin entry must survive a nominee takeover, got %+v ok=%t", entry, ok)
	}
}

func TestCacheRevalidateKeepsEntryOnTransportFailure(t *testing.T) {
	client := newDirectoryForTest(t)
	cache := NewCache(client)
	ctx := context.Background()

	createAndCache(t, client, cache, "nominee-a", store.UserTypeNominee)

	// A directory that answers nothing looks like a network hiccup.
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()
	cache.client = NewClient(deadURL, time.Second)

	_, ok, err := cache.Revalidate(ctx, store.CategoryNominee)
	if err == nil {
		t.Fatalf("transport failure must surface as an error")
	}
	if ok {
		t.Fatalf("unconfirmed entry must not be reported valid")
	}
	if _, cached := cache.Get(store.CategoryNominee); !cached {
		t.Fatalf("a network hiccup must not discard the entry")
	}
}

func TestCacheLogoutClearsEntryAndSession(t *testing.T) {
	client := newDirectoryForTest(t)
	cache := NewCache(client)
	ctx := context.Background()

	entry := createAndCache(t, client, cache, "committee-a", store.UserTypeAdmin)

	if err := cache.Logout(ctx, store.CategoryAdmin); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, cached := cache.Get(store.CategoryAdmin); cached {
		t.Fatalf("logout must clear the cached entry")
	}

	result, err := client.Heartbeat(ctx, entry.SessionID)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if result.Active {
		t.Fatalf("logged-out session must be inactive at the directory")
	}

	// Nothing cached: a second logout is a no-op.
	if err := cache.Logout(ctx, store.CategoryAdmin); err != nil {
		t.Fatalf("repeated Logout failed: %v", err)
	}
}
