package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/logbookhq/logbook/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.SyncWatermark{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	l, err := New(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func TestGet_UnsyncedConversation(t *testing.T) {
	l := openTestLedger(t)
	_, found, err := l.Get(context.Background(), "C1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected no watermark before first sync")
	}
}

func TestAdvance_FirstSyncCreatesRow(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Advance(ctx, "C1", "", "100.000300", models.RunSucceeded); err != nil {
		t.Fatalf("advance: %v", err)
	}

	wm, found, err := l.Get(ctx, "C1")
	if err != nil || !found {
		t.Fatalf("get after advance: found=%v err=%v", found, err)
	}
	if wm.LastToken != "100.000300" {
		t.Errorf("token = %q", wm.LastToken)
	}
	if wm.LastStatus != models.RunSucceeded {
		t.Errorf("status = %q", wm.LastStatus)
	}
}

func TestAdvance_CASMovesForward(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Advance(ctx, "C1", "", "100", models.RunSucceeded); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if err := l.Advance(ctx, "C1", "100", "200", models.RunSucceeded); err != nil {
		t.Fatalf("second advance: %v", err)
	}

	wm, _, _ := l.Get(ctx, "C1")
	if wm.LastToken != "200" {
		t.Errorf("token = %q, want 200", wm.LastToken)
	}
}

func TestAdvance_StaleTokenRejected(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	l.Advance(ctx, "C1", "", "200", models.RunSucceeded)

	err := l.Advance(ctx, "C1", "100", "300", models.RunSucceeded)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}

	wm, _, _ := l.Get(ctx, "C1")
	if wm.LastToken != "200" {
		t.Errorf("token = %q after stale advance, want unchanged 200", wm.LastToken)
	}
}

func TestAdvance_FirstSyncRace(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	l.Advance(ctx, "C1", "", "100", models.RunSucceeded)
	// A second "first sync" with the empty prev token must now lose.
	err := l.Advance(ctx, "C1", "", "150", models.RunSucceeded)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestAdvance_RefusesRollback(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	l.Advance(ctx, "C1", "", "200.5", models.RunSucceeded)
	err := l.Advance(ctx, "C1", "200.5", "200.4", models.RunSucceeded)
	if !errors.Is(err, ErrRollback) {
		t.Fatalf("err = %v, want ErrRollback", err)
	}
}

func TestAdvance_EqualTokenIsNoopAdvance(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	l.Advance(ctx, "C1", "", "100", models.RunSucceeded)
	// Re-running a window with no new messages re-stamps the same token.
	if err := l.Advance(ctx, "C1", "100", "100", models.RunSucceeded); err != nil {
		t.Fatalf("equal-token advance: %v", err)
	}
}

func TestAdvance_PartialKeepsFailureCount(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	l.RecordFailure(ctx, "C1", models.RunFailed)
	l.RecordFailure(ctx, "C1", models.RunFailed)

	// A partial commit advances the token but does not clear the counter.
	if err := l.Advance(ctx, "C1", "", "50", models.RunPartial); err != nil {
		t.Fatalf("advance: %v", err)
	}
	wm, _, _ := l.Get(ctx, "C1")
	if wm.FailureCount != 2 {
		t.Errorf("failure count = %d, want 2 preserved on partial", wm.FailureCount)
	}

	// Full success resets it.
	if err := l.Advance(ctx, "C1", "50", "60", models.RunSucceeded); err != nil {
		t.Fatalf("advance: %v", err)
	}
	wm, _, _ = l.Get(ctx, "C1")
	if wm.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 after success", wm.FailureCount)
	}
}

func TestRecordFailure_IncrementsCounter(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RecordFailure(ctx, "C1", models.RunFailed); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}

	wm, found, err := l.Get(ctx, "C1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if wm.FailureCount != 3 {
		t.Errorf("failure count = %d, want 3", wm.FailureCount)
	}
	if wm.LastToken != "" {
		t.Errorf("token = %q, want untouched empty token", wm.LastToken)
	}
}

func TestAll_Sorted(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	l.Advance(ctx, "C2", "", "2", models.RunSucceeded)
	l.Advance(ctx, "C1", "", "1", models.RunSucceeded)

	all, err := l.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ConversationID != "C1" {
		t.Errorf("unexpected rows: %+v", all)
	}
}
