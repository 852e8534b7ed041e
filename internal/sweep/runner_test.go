package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logbookhq/logbook/internal/db"
	"github.com/logbookhq/logbook/internal/githost"
	"github.com/logbookhq/logbook/internal/ledger"
	"github.com/logbookhq/logbook/internal/mapping"
	"github.com/logbookhq/logbook/internal/models"
	"github.com/logbookhq/logbook/internal/source"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type pageResult struct {
	page source.Page
	err  error
}

// fakeAdapter serves canned history pages and attachment bytes. Its stream
// claims contiguous delivery unless descending is set, mirroring the split
// between after-ID and cursor pagination.
type fakeAdapter struct {
	platform   string
	descending bool

	mu       sync.Mutex
	fetches  int
	pages    map[string][]pageResult
	files    map[string][]byte
	fileErrs map[string]error
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) History(ctx context.Context, conversationID, afterToken string) *source.Stream {
	f.mu.Lock()
	f.fetches++
	seq := f.pages[conversationID]
	f.mu.Unlock()

	i := 0
	fetch := func(ctx context.Context, cursor string) (source.Page, error) {
		if i >= len(seq) {
			return source.Page{}, nil
		}
		pr := seq[i]
		i++
		return pr.page, pr.err
	}
	if f.descending {
		return source.NewStream(fetch)
	}
	return source.NewContiguousStream(fetch)
}

func (f *fakeAdapter) DownloadAttachment(ctx context.Context, ref source.AttachmentRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fileErrs[ref.ID]; ok {
		return nil, err
	}
	return f.files[ref.ID], nil
}

func (f *fakeAdapter) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeCommitter records change sets and returns a canned result.
type fakeCommitter struct {
	mu    sync.Mutex
	calls []githost.ChangeSet
	res   githost.CommitResult
	err   error
}

func (f *fakeCommitter) Commit(ctx context.Context, m *models.ChannelMapping, cs githost.ChangeSet) (githost.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cs)
	return f.res, f.err
}

func (f *fakeCommitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// failingLedger simulates the ledger store being unreachable.
type failingLedger struct{}

func (failingLedger) Get(ctx context.Context, conversationID string) (*models.SyncWatermark, bool, error) {
	return nil, false, errors.New("ledger: database locked")
}
func (failingLedger) Advance(ctx context.Context, conversationID, prevToken, newToken, status string) error {
	return errors.New("ledger: database locked")
}
func (failingLedger) RecordFailure(ctx context.Context, conversationID, status string) error {
	return errors.New("ledger: database locked")
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return gdb
}

func seedMapping(t *testing.T, gdb *gorm.DB, conversationID string) {
	t.Helper()
	m := models.ChannelMapping{
		ConversationID: conversationID,
		Platform:       "slack",
		RepoOwner:      "acme",
		RepoName:       "notes",
		Branch:         "main",
		Folder:         "chat/" + conversationID,
		Active:         true,
	}
	if err := gdb.Create(&m).Error; err != nil {
		t.Fatalf("seed mapping %s: %v", conversationID, err)
	}
}

func newTestRunner(t *testing.T, gdb *gorm.DB, adapter source.Adapter, committer Committer, led Ledger) *Runner {
	t.Helper()
	resolver, err := mapping.NewResolver(gdb)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if led == nil {
		l, err := ledger.New(gdb)
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}
		led = l
	}
	r, err := NewRunner(RunnerOpts{
		DB:          gdb,
		Resolver:    resolver,
		Ledger:      led,
		Writer:      committer,
		Adapters:    []source.Adapter{adapter},
		Parallelism: 2,
		RunTimeout:  5 * time.Second,
		Out:         io.Discard,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func tokenMsg(conversationID, id, token, text string) source.RawMessage {
	return source.RawMessage{
		ConversationID: conversationID,
		ID:             id,
		Token:          token,
		Timestamp:      time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
		AuthorName:     "ana",
		Text:           text,
	}
}

func onePage(msgs ...source.RawMessage) []pageResult {
	return []pageResult{{page: source.Page{Messages: msgs}}}
}

func watermarkFor(t *testing.T, gdb *gorm.DB, conversationID string) models.SyncWatermark {
	t.Helper()
	var wm models.SyncWatermark
	if err := gdb.Where("conversation_id = ?", conversationID).First(&wm).Error; err != nil {
		t.Fatalf("load watermark %s: %v", conversationID, err)
	}
	return wm
}

func lastEvent(t *testing.T, gdb *gorm.DB, conversationID string) models.WebhookEvent {
	t.Helper()
	var ev models.WebhookEvent
	if err := gdb.Where("conversation_id = ?", conversationID).Order("id DESC").First(&ev).Error; err != nil {
		t.Fatalf("load event %s: %v", conversationID, err)
	}
	return ev
}

func TestSweep_CommitsAndAdvancesWatermark(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"C1": onePage(
				tokenMsg("C1", "1", "100.000100", "hello"),
				tokenMsg("C1", "2", "100.000200", "world"),
			),
		},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Committed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 committed", stats)
	}
	if committer.callCount() != 1 {
		t.Fatalf("commit calls = %d, want 1", committer.callCount())
	}
	if msg := committer.calls[0].Message; !strings.Contains(msg, "C1") || !strings.Contains(msg, "2 messages") {
		t.Errorf("commit message = %q", msg)
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000200" || wm.LastStatus != models.RunSucceeded {
		t.Errorf("watermark = %q/%q", wm.LastToken, wm.LastStatus)
	}
	if ev := lastEvent(t, gdb, "C1"); ev.EventType != models.EventSweepCommitted || !ev.Success {
		t.Errorf("event = %q success=%v", ev.EventType, ev.Success)
	}
}

func TestSweep_NoNewMessagesIsNoop(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{platform: "slack", pages: map[string][]pageResult{}}
	committer := &fakeCommitter{}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Noop != 1 {
		t.Errorf("stats = %+v, want 1 noop", stats)
	}
	if committer.callCount() != 0 {
		t.Errorf("commit called on empty window")
	}

	var count int64
	gdb.Model(&models.SyncWatermark{}).Count(&count)
	if count != 0 {
		t.Errorf("watermark created on noop run")
	}
	if ev := lastEvent(t, gdb, "C1"); ev.EventType != models.EventSweepNoop || !ev.Success {
		t.Errorf("event = %q success=%v", ev.EventType, ev.Success)
	}
}

func TestSweep_FetchFailureRecordsFailure(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"C1": {{err: errors.New("slack: server error (502)")}},
		},
	}
	committer := &fakeCommitter{}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if committer.callCount() != 0 {
		t.Errorf("commit called after total fetch failure")
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastStatus != models.RunFailed || wm.FailureCount != 1 || wm.LastToken != "" {
		t.Errorf("watermark = %+v", wm)
	}
	if ev := lastEvent(t, gdb, "C1"); ev.EventType != models.EventSweepFailed || ev.ErrorMessage == "" {
		t.Errorf("event = %+v", ev)
	}
}

// When a newest-first stream fails mid-pagination, the messages in hand are
// the newest window, not a range above the watermark. Committing them would
// push the watermark past the unfetched older messages, so the run must be
// discarded wholesale.
func TestSweep_NewestFirstPartialFetchDiscarded(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{
		platform:   "slack",
		descending: true,
		pages: map[string][]pageResult{
			"C1": {
				{page: source.Page{
					Messages: []source.RawMessage{
						tokenMsg("C1", "3", "300.000000", "newest"),
						tokenMsg("C1", "2", "200.000000", "newer"),
					},
					Cursor:  "c2",
					HasMore: true,
				}},
				// The older page (e.g. a message at 150) is never delivered.
				{err: errors.New("slack: rate limited")},
			},
		},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Failed != 1 || stats.Partial != 0 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if committer.callCount() != 0 {
		t.Fatalf("committed a newest-first partial read; older messages would be stranded")
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "" {
		t.Errorf("watermark advanced to %q past never-fetched messages", wm.LastToken)
	}
	if wm.LastStatus != models.RunFailed || wm.FailureCount != 1 {
		t.Errorf("watermark = %+v", wm)
	}
}

// A fetch that fails mid-pagination on a contiguous stream still commits the
// delivered range and advances the watermark only past what was committed.
func TestSweep_PartialFetchCommitsPrefix(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"C1": {
				{page: source.Page{
					Messages: []source.RawMessage{tokenMsg("C1", "1", "100.000100", "first page")},
					Cursor:   "c2",
					HasMore:  true,
				}},
				{err: errors.New("slack: rate limited")},
			},
		},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Partial != 1 {
		t.Errorf("stats = %+v, want 1 partial", stats)
	}
	if committer.callCount() != 1 {
		t.Fatalf("commit calls = %d, want 1", committer.callCount())
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000100" || wm.LastStatus != models.RunPartial {
		t.Errorf("watermark = %q/%q", wm.LastToken, wm.LastStatus)
	}
	if ev := lastEvent(t, gdb, "C1"); ev.EventType != models.EventSweepPartial || ev.Success {
		t.Errorf("event = %q success=%v", ev.EventType, ev.Success)
	}
}

// An exhausted commit retry leaves the watermark untouched so the next sweep
// refetches the same window.
func TestSweep_ConflictLeavesWatermarkUntouched(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")
	if err := gdb.Create(&models.SyncWatermark{ConversationID: "C1", LastToken: "100.000050", LastStatus: models.RunSucceeded}).Error; err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"C1": onePage(tokenMsg("C1", "1", "100.000100", "hello")),
		},
	}
	committer := &fakeCommitter{err: githost.ErrConflict}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Partial != 1 {
		t.Errorf("stats = %+v, want 1 partial", stats)
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000050" {
		t.Errorf("watermark advanced past a failed commit: %q", wm.LastToken)
	}
	if wm.LastStatus != models.RunPartial || wm.FailureCount != 1 {
		t.Errorf("watermark = %+v", wm)
	}
}

func TestSweep_AttachmentFailureIsPartial(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	msg := tokenMsg("C1", "1", "100.000100", "see file")
	msg.Attachments = []source.AttachmentRef{{ID: "A1", Filename: "report.pdf"}}
	adapter := &fakeAdapter{
		platform: "slack",
		pages:    map[string][]pageResult{"C1": onePage(msg)},
		fileErrs: map[string]error{"A1": errors.New("slack: file request failed (403)")},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Partial != 1 {
		t.Errorf("stats = %+v, want 1 partial", stats)
	}
	if committer.callCount() != 1 {
		t.Fatalf("attachment failure must not abort the commit")
	}
	if n := len(committer.calls[0].Attachments); n != 0 {
		t.Errorf("staged attachments = %d, want 0", n)
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000100" || wm.LastStatus != models.RunPartial {
		t.Errorf("watermark = %q/%q", wm.LastToken, wm.LastStatus)
	}
}

// A download failure on a message that normalization drops (here a deletion)
// never reaches the rendered output, so the run stays fully successful.
func TestSweep_AttachmentFailureOnDroppedMessageNotPartial(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	gone := tokenMsg("C1", "1", "100.000100", "")
	gone.Deleted = true
	gone.Attachments = []source.AttachmentRef{{ID: "A1", Filename: "report.pdf"}}
	adapter := &fakeAdapter{
		platform: "slack",
		pages:    map[string][]pageResult{"C1": onePage(gone, tokenMsg("C1", "2", "100.000200", "still here"))},
		fileErrs: map[string]error{"A1": errors.New("slack: file request failed (403)")},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Committed != 1 || stats.Partial != 0 {
		t.Errorf("stats = %+v, want 1 committed", stats)
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000200" || wm.LastStatus != models.RunSucceeded {
		t.Errorf("watermark = %q/%q", wm.LastToken, wm.LastStatus)
	}
}

// One mapping's failure never blocks the others.
func TestSweep_BulkheadIsolation(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "BAD")
	seedMapping(t, gdb, "GOOD")

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"BAD":  {{err: errors.New("slack: server error (500)")}},
			"GOOD": onePage(tokenMsg("GOOD", "1", "200.000100", "fine")),
		},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Committed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 committed + 1 failed", stats)
	}

	wm := watermarkFor(t, gdb, "GOOD")
	if wm.LastToken != "200.000100" {
		t.Errorf("healthy mapping watermark = %q", wm.LastToken)
	}
}

// A dead ledger aborts the run before any history is fetched.
func TestSweep_LedgerUnavailableAbortsBeforeFetch(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{platform: "slack"}
	committer := &fakeCommitter{}
	r := newTestRunner(t, gdb, adapter, committer, failingLedger{})

	stats, _ := r.Sweep(context.Background())
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if adapter.fetchCount() != 0 {
		t.Errorf("history fetched %d times with ledger down, want 0", adapter.fetchCount())
	}
	if committer.callCount() != 0 {
		t.Errorf("commit attempted with ledger down")
	}
}

func TestSweep_UnknownPlatformFails(t *testing.T) {
	gdb := openTestDB(t)
	m := models.ChannelMapping{
		ConversationID: "M1",
		Platform:       "matrix",
		RepoOwner:      "acme",
		RepoName:       "notes",
		Branch:         "main",
		Folder:         "chat/M1",
		Active:         true,
	}
	if err := gdb.Create(&m).Error; err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	adapter := &fakeAdapter{platform: "slack"}
	r := newTestRunner(t, gdb, adapter, &fakeCommitter{}, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if ev := lastEvent(t, gdb, "M1"); !strings.Contains(ev.ErrorMessage, "matrix") {
		t.Errorf("event error = %q", ev.ErrorMessage)
	}
}

// When the rendered content is already committed (crash after commit, before
// the ledger write), the run is a noop but the watermark catches up.
func TestSweep_NoopCommitStillAdvancesWatermark(t *testing.T) {
	gdb := openTestDB(t)
	seedMapping(t, gdb, "C1")

	adapter := &fakeAdapter{
		platform: "slack",
		pages: map[string][]pageResult{
			"C1": onePage(tokenMsg("C1", "1", "100.000100", "hello")),
		},
	}
	committer := &fakeCommitter{res: githost.CommitResult{Committed: false}}
	r := newTestRunner(t, gdb, adapter, committer, nil)

	stats, _ := r.Sweep(context.Background())
	if stats.Noop != 1 {
		t.Errorf("stats = %+v, want 1 noop", stats)
	}

	wm := watermarkFor(t, gdb, "C1")
	if wm.LastToken != "100.000100" || wm.LastStatus != models.RunSucceeded {
		t.Errorf("watermark = %q/%q", wm.LastToken, wm.LastStatus)
	}
}

func TestSweep_RespectsParallelismBound(t *testing.T) {
	gdb := openTestDB(t)
	for i := 0; i < 6; i++ {
		seedMapping(t, gdb, fmt.Sprintf("C%d", i))
	}

	var (
		mu        sync.Mutex
		active    int
		peak      int
		processed int
	)
	committer := &fakeCommitter{res: githost.CommitResult{Committed: true, SHA: "abc123"}}

	pages := make(map[string][]pageResult)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("C%d", i)
		pages[id] = []pageResult{{page: source.Page{Messages: []source.RawMessage{
			tokenMsg(id, "1", "100.000100", "hi"),
		}}}}
	}
	adapter := &trackingAdapter{
		fakeAdapter: fakeAdapter{platform: "slack", pages: pages},
		onHistory: func() func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			processed++
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return func() {
				mu.Lock()
				active--
				mu.Unlock()
			}
		},
	}

	r := newTestRunner(t, gdb, adapter, committer, nil)
	if _, err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if processed != 6 {
		t.Errorf("processed %d mappings, want 6", processed)
	}
}

// trackingAdapter observes concurrency around History calls.
type trackingAdapter struct {
	fakeAdapter
	onHistory func() func()
}

func (a *trackingAdapter) History(ctx context.Context, conversationID, afterToken string) *source.Stream {
	done := a.onHistory()
	defer done()
	return a.fakeAdapter.History(ctx, conversationID, afterToken)
}

func TestNewRunner_Validation(t *testing.T) {
	gdb := openTestDB(t)
	adapter := &fakeAdapter{platform: "slack"}

	if _, err := NewRunner(RunnerOpts{}); err == nil {
		t.Error("expected error with no db")
	}
	if _, err := NewRunner(RunnerOpts{DB: gdb, Resolver: nil}); err == nil {
		t.Error("expected error with no resolver")
	}

	resolver, _ := mapping.NewResolver(gdb)
	led, _ := ledger.New(gdb)
	if _, err := NewRunner(RunnerOpts{DB: gdb, Resolver: resolver, Ledger: led, Writer: &fakeCommitter{}}); err == nil {
		t.Error("expected error with no adapters")
	}
	r, err := NewRunner(RunnerOpts{DB: gdb, Resolver: resolver, Ledger: led, Writer: &fakeCommitter{}, Adapters: []source.Adapter{adapter}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if r.parallelism != 4 || r.runTimeout != 2*time.Minute {
		t.Errorf("defaults not applied: parallelism=%d timeout=%v", r.parallelism, r.runTimeout)
	}
}
