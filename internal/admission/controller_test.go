package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jsvanda/onesession/internal/store"
)

func newControllerForTest(t *testing.T, now time.Time) (*Controller, *store.Memory) {
	t.Helper()

	m := store.NewMemory()
	c := New(m, 24*time.Hour)
	c.now = func() time.Time { return now }
	return c, m
}

func mustAdmit(t *testing.T, c *Controller, userID, userType string) *store.SessionRecord {
	t.Helper()

	rec, err := c.Admit(context.Background(), NewSession{
		UserID:    userID,
		UserType:  userType,
		UserName:  "Test " + userID,
		IPAddress: "203.0.113.10",
		UserAgent: "GoTestAgent",
	})
	if err != nil {
		t.Fatalf("Admit(%s) failed: %v", userID, err)
	}
	return rec
}

func TestEvaluateAllowsFreeSeat(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)

	decision, err := c.Evaluate(context.Background(), store.CategoryNominee, "nominee-a")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Verdict != VerdictAllow || decision.Occupant != nil {
		t.Fatalf("free seat decision=%+v want plain allow", decision)
	}
}

func TestEvaluateSameUserIsRefreshNotConflict(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	first := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)

	decision, err := c.Evaluate(ctx, store.CategoryNominee, "nominee-a")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Verdict != VerdictSameUser {
		t.Fatalf("verdict=%s want %s", decision.Verdict, VerdictSameUser)
	}
	if !decision.Allowed() {
		t.Fatalf("same-user refresh must be allowed")
	}

	second := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)
	if second.SessionID == first.SessionID {
		t.Fatalf("re-login must mint a fresh session id")
	}
	if _, err := c.Heartbeat(ctx, first.SessionID); !errors.Is(err, store.ErrSessionInactive) {
		t.Fatalf("refreshed-away session heartbeat err=%v want ErrSessionInactive", err)
	}
}

func TestEvaluateDenyOccupiedExposesOccupant(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)

	occupant := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)

	decision, err := c.Evaluate(context.Background(), store.CategoryNominee, "nominee-b")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Verdict != VerdictDenyOccupied {
		t.Fatalf("verdict=%s want %s", decision.Verdict, VerdictDenyOccupied)
	}
	if decision.Allowed() {
		t.Fatalf("occupied seat must not be allowed")
	}
	if decision.Occupant == nil || decision.Occupant.SessionID != occupant.SessionID {
		t.Fatalf("decision must name the occupant, got %+v", decision.Occupant)
	}
}

type faultyStore struct {
	SessionStore
	err error
}

func (f *faultyStore) FindActiveByCategory(context.Context, string, time.Time) (*store.SessionRecord, error) {
	return nil, f.err
}

func TestEvaluateFailsClosedOnStoreFault(t *testing.T) {
	c := New(&faultyStore{err: errors.New("connection reset")}, time.Hour)

	decision, err := c.Evaluate(context.Background(), store.CategoryAdmin, "committee-a")
	if err == nil {
		t.Fatalf("store fault must surface as an error, got decision=%+v", decision)
	}
	if decision.Allowed() {
		t.Fatalf("admission must never be granted on ambiguous state")
	}
}

func TestTakeoverDisplacesOccupant(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	occupant := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)

	decision, err := c.Evaluate(ctx, store.CategoryNominee, "nominee-b")
	if err != nil || decision.Verdict != VerdictDenyOccupied {
		t.Fatalf("pre-takeover decision=%+v err=%v want deny", decision, err)
	}

	count, err := c.Takeover(ctx, store.CategoryNominee)
	if err != nil {
		t.Fatalf("Takeover failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("takeover displaced %d sessions, want 1", count)
	}

	decision, err = c.Evaluate(ctx, store.CategoryNominee, "nominee-b")
	if err != nil || decision.Verdict != VerdictAllow {
		t.Fatalf("post-takeover decision=%+v err=%v want allow", decision, err)
	}
	newcomer := mustAdmit(t, c, "nominee-b", store.UserTypeNominee)
	if newcomer.UserID != "nominee-b" {
		t.Fatalf("admitted user=%s want nominee-b", newcomer.UserID)
	}

	if _, err := c.Heartbeat(ctx, occupant.SessionID); !errors.Is(err, store.ErrSessionInactive) {
		t.Fatalf("displaced occupant heartbeat err=%v want ErrSessionInactive", err)
	}
}

func TestNomineeAndAdminSeatsAreIndependent(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	nominee := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)
	committee := mustAdmit(t, c, "committee-a", store.UserTypeCircleCommittee)

	if nominee.UserCategory != store.CategoryNominee {
		t.Fatalf("nominee category=%s", nominee.UserCategory)
	}
	if committee.UserCategory != store.CategoryAdmin {
		t.Fatalf("committee must land in the admin seat, got %s", committee.UserCategory)
	}

	records, counts, err := c.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(records) != 2 || counts[store.CategoryNominee] != 1 || counts[store.CategoryAdmin] != 1 {
		t.Fatalf("coexisting seats records=%d counts=%v", len(records), counts)
	}

	if _, err := c.Logout(ctx, committee.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := c.Heartbeat(ctx, nominee.SessionID); err != nil {
		t.Fatalf("admin logout must not touch the nominee session: %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	rec := mustAdmit(t, c, "nominee-a", store.UserTypeNominee)

	changed, err := c.Logout(ctx, rec.SessionID)
	if err != nil || !changed {
		t.Fatalf("first Logout changed=%t err=%v want true/nil", changed, err)
	}
	changed, err = c.Logout(ctx, rec.SessionID)
	if err != nil || changed {
		t.Fatalf("second Logout changed=%t err=%v want false/nil", changed, err)
	}
}

func TestExpiredOccupantFreesTheSeat(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	mustAdmit(t, c, "nominee-a", store.UserTypeNominee)

	c.now = func() time.Time { return now.Add(25 * time.Hour) }

	decision, err := c.Evaluate(ctx, store.CategoryNominee, "nominee-b")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Verdict != VerdictAllow {
		t.Fatalf("expired occupant must not block admission, verdict=%s", decision.Verdict)
	}
}

func TestConcurrentAdmitsLeaveOneActivePerCategory(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newControllerForTest(t, now)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Admit(ctx, NewSession{
				UserID:   fmt.Sprintf("nominee-%d", i),
				UserType: store.UserTypeNominee,
			})
			if err != nil {
				t.Errorf("Admit %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	records, counts, err := c.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(records) != 1 || counts[store.CategoryNominee] != 1 {
		t.Fatalf("after %d racing admits records=%d counts=%v want a single occupant", attempts, len(records), counts)
	}
}
