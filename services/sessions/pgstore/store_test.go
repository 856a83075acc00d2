package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"evalsession/pkg/db"
	"evalsession/services/sessions"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EVALSESSION_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("EVALSESSION_TEST_DB_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(ctx, pool, `TRUNCATE invite_usage, participant_requests, session_evaluators, sessions RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	orm, err := db.OpenORM(pool)
	if err != nil {
		t.Fatalf("open orm: %v", err)
	}
	store, err := New(orm, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func createActive(t *testing.T, store *Store, maxUses *int) sessions.Session {
	t.Helper()
	settings := sessions.DefaultInviteSettings()
	settings.MaxUses = maxUses
	session, err := store.CreateSession(context.Background(), sessions.Session{
		OwnerID: "owner",
		Title:   "pg review",
		Status:  sessions.StatusActive,
		Invite:  &settings,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestJoinCapUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	maxUses := 2
	session := createActive(t, store, &maxUses)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		added  int
		capped int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcome, err := store.Join(context.Background(), session.ID, fmt.Sprintf("user-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, sessions.ErrUsageCapReached):
				capped++
			case err != nil:
				t.Errorf("join: %v", err)
			case outcome == sessions.JoinAdded:
				added++
			}
		}(i)
	}
	wg.Wait()

	if added != maxUses || capped != 10-maxUses {
		t.Fatalf("expected %d joins, got %d (capped %d)", maxUses, added, capped)
	}
	got, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.InviteSettings().CurrentUses != maxUses || len(got.Evaluators) != maxUses {
		t.Fatalf("unexpected session: uses=%d evaluators=%v", got.InviteSettings().CurrentUses, got.Evaluators)
	}
}

func TestJoinExistingEvaluator(t *testing.T) {
	store := newTestStore(t)
	session := createActive(t, store, nil)
	ctx := context.Background()

	if _, _, err := store.Join(ctx, session.ID, "u-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	got, outcome, err := store.Join(ctx, session.ID, "u-1")
	if err != nil || outcome != sessions.JoinAlreadyPresent {
		t.Fatalf("rejoin: outcome=%v err=%v", outcome, err)
	}
	if got.InviteSettings().CurrentUses != 1 {
		t.Fatalf("expected 1 use, got %d", got.InviteSettings().CurrentUses)
	}
	if _, _, err := store.Join(ctx, "missing", "u-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateRequestUnique(t *testing.T) {
	store := newTestStore(t)
	session := createActive(t, store, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateRequest(context.Background(), sessions.ParticipantRequest{
				SessionID:     session.ID,
				UserID:        "u-1",
				TokenFragment: "...abc",
			})
			if err != nil {
				t.Errorf("create request: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one insert, got %d", created)
	}
	all, err := store.ListRequests(context.Background(), session.ID, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one row, got %d (err=%v)", len(all), err)
	}
}

func TestReviewRequest(t *testing.T) {
	store := newTestStore(t)
	session := createActive(t, store, nil)
	ctx := context.Background()

	req, _, err := store.CreateRequest(ctx, sessions.ParticipantRequest{SessionID: session.ID, UserID: "u-2"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	reviewed, err := store.ReviewRequest(ctx, session.ID, req.ID, sessions.Review{Action: sessions.ActionApprove, ReviewerID: "owner", Comment: "ok"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if reviewed.Status != sessions.RequestApproved || reviewed.ReviewComment != "ok" {
		t.Fatalf("unexpected request: %+v", reviewed)
	}
	if _, err := store.ReviewRequest(ctx, session.ID, req.ID, sessions.Review{Action: sessions.ActionReject}); !errors.Is(err, sessions.ErrAlreadyReviewed) {
		t.Fatalf("expected ErrAlreadyReviewed, got %v", err)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.HasEvaluator("u-2") || got.InviteSettings().CurrentUses != 0 {
		t.Fatalf("unexpected session after approval: %+v", got)
	}
}

func TestUpdateStatusGuard(t *testing.T) {
	store := newTestStore(t)
	session := createActive(t, store, nil)
	ctx := context.Background()
	end := time.Now().UTC().Truncate(time.Second)

	got, err := store.UpdateStatus(ctx, session.ID, sessions.StatusActive, sessions.StatusUpdate{To: sessions.StatusArchived, EndTime: &end, DisableInvites: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != sessions.StatusArchived || got.InviteSettings().IsEnabled {
		t.Fatalf("unexpected session: %+v", got)
	}
	if _, err := store.UpdateStatus(ctx, session.ID, sessions.StatusActive, sessions.StatusUpdate{To: sessions.StatusCompleted}); !errors.Is(err, sessions.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, entry := range []sessions.UsageEntry{
		{SessionID: "s-1", TokenFragment: "...a", Success: true, ClientAddress: "10.0.0.1", At: base, Metadata: map[string]any{"outcome": "joined"}},
		{SessionID: "s-1", TokenFragment: "...a", Success: false, Reason: "UsageCapReached", ClientAddress: "10.0.0.2", At: base.Add(time.Second)},
		{TokenFragment: "...b", Success: false, Reason: "Malformed", At: base},
	} {
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := store.Entries(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Reason != "UsageCapReached" || entries[1].Metadata["outcome"] != "joined" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	unattributed, err := store.Entries(ctx, "", 0)
	if err != nil || len(unattributed) != 1 {
		t.Fatalf("expected one unattributed entry, got %d (err=%v)", len(unattributed), err)
	}

	stats, err := store.Stats(ctx, "s-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Successes != 1 || stats.Failures != 1 || stats.DistinctClients != 2 || stats.FailuresByReason["UsageCapReached"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSaveInviteSettingsKeepsUsageCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	maxUses := 3
	session := createActive(t, store, &maxUses)
	stale := session.InviteSettings()

	if _, _, err := store.Join(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	stale.IsEnabled = false
	saved, err := store.SaveInviteSettings(ctx, session.ID, stale, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := saved.InviteSettings(); got.CurrentUses != 1 || got.IsEnabled {
		t.Fatalf("expected disabled link with 1 use, got %+v", got)
	}

	reset, err := store.SaveInviteSettings(ctx, session.ID, saved.InviteSettings(), true)
	if err != nil {
		t.Fatalf("save with reset: %v", err)
	}
	if got := reset.InviteSettings().CurrentUses; got != 0 {
		t.Fatalf("expected counter reset, got %d", got)
	}
}
