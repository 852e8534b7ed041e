// Package sweep runs the periodic reconciliation pass over all active
// mappings: fetch history, normalize, commit, advance the ledger.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/logbookhq/logbook/internal/attach"
	"github.com/logbookhq/logbook/internal/githost"
	"github.com/logbookhq/logbook/internal/ledger"
	"github.com/logbookhq/logbook/internal/models"
	"github.com/logbookhq/logbook/internal/normalize"
	"github.com/logbookhq/logbook/internal/source"
	"gorm.io/gorm"
)

// Run states for one mapping's pass through the sweep pipeline.
const (
	StateCommitted = "committed"
	StatePartial   = "partially_committed"
	StateFailed    = "failed"
	StateNoop      = "noop"
)

// Ledger is the watermark store contract the runner depends on. Implemented
// by ledger.Ledger; tests inject fakes.
type Ledger interface {
	Get(ctx context.Context, conversationID string) (*models.SyncWatermark, bool, error)
	Advance(ctx context.Context, conversationID, prevToken, newToken, status string) error
	RecordFailure(ctx context.Context, conversationID, status string) error
}

// Resolver lists the mappings a sweep must process.
type Resolver interface {
	ListActive(ctx context.Context) ([]models.ChannelMapping, error)
}

// Committer writes one change set to the repository host.
type Committer interface {
	Commit(ctx context.Context, m *models.ChannelMapping, cs githost.ChangeSet) (githost.CommitResult, error)
}

// Runner orchestrates sweeps. Each mapping is processed independently with
// its own wall-clock budget; one mapping's failure never blocks another.
type Runner struct {
	db          *gorm.DB
	resolver    Resolver
	ledger      Ledger
	writer      Committer
	adapters    map[string]source.Adapter
	parallelism int
	runTimeout  time.Duration
	retention   time.Duration
	out         io.Writer
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	DB          *gorm.DB
	Resolver    Resolver
	Ledger      Ledger
	Writer      Committer
	Adapters    []source.Adapter
	Parallelism int           // concurrent mapping runs (default 4)
	RunTimeout  time.Duration // per-mapping budget (default 2m)
	Retention   time.Duration // audit row TTL (default 1 week)
	Out         io.Writer     // defaults to os.Stdout
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sweep: db is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("sweep: resolver is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("sweep: ledger is required")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("sweep: writer is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("sweep: at least one source adapter is required")
	}

	adapters := make(map[string]source.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Platform()] = a
	}

	r := &Runner{
		db:          opts.DB,
		resolver:    opts.Resolver,
		ledger:      opts.Ledger,
		writer:      opts.Writer,
		adapters:    adapters,
		parallelism: opts.Parallelism,
		runTimeout:  opts.RunTimeout,
		retention:   opts.Retention,
		out:         opts.Out,
	}
	if r.parallelism <= 0 {
		r.parallelism = 4
	}
	if r.runTimeout <= 0 {
		r.runTimeout = 2 * time.Minute
	}
	if r.retention <= 0 {
		r.retention = 7 * 24 * time.Hour
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	return r, nil
}

// Stats summarizes one sweep invocation.
type Stats struct {
	Total     int
	Committed int
	Noop      int
	Partial   int
	Failed    int
}

// Outcome is the result of one mapping's run.
type Outcome struct {
	State    string
	SHA      string
	Token    string // watermark after the run
	Messages int
	Err      error
}

// Sweep processes every active mapping once with bounded parallelism and
// returns aggregate stats. Individual failures are contained and reported
// through the audit table, never through the returned error, which covers
// only the inability to list mappings.
func (r *Runner) Sweep(ctx context.Context) (Stats, error) {
	mappings, err := r.resolver.ListActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("sweep: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = Stats{Total: len(mappings)}
		wg    sync.WaitGroup
		sem   = make(chan struct{}, r.parallelism)
	)

	for i := range mappings {
		m := mappings[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.syncOne(ctx, &m)

			mu.Lock()
			switch outcome.State {
			case StateCommitted:
				stats.Committed++
			case StateNoop:
				stats.Noop++
			case StatePartial:
				stats.Partial++
			default:
				stats.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Fprintf(r.out, "sweep: %d mappings — %d committed, %d unchanged, %d partial, %d failed\n",
		stats.Total, stats.Committed, stats.Noop, stats.Partial, stats.Failed)
	return stats, nil
}

// syncOne runs the full pipeline for a single mapping under its wall-clock
// budget: fetch -> materialize -> normalize -> write -> ledger update. Every
// exit path records one audit row.
func (r *Runner) syncOne(ctx context.Context, m *models.ChannelMapping) Outcome {
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	outcome := r.pipeline(runCtx, m)

	if outcome.Err != nil {
		log.Printf("sweep: %s (%s): %s: %v", m.ConversationID, m.RepoSlug(), outcome.State, outcome.Err)
	}
	r.recordRun(m, outcome, time.Since(started))
	return outcome
}

func (r *Runner) pipeline(ctx context.Context, m *models.ChannelMapping) Outcome {
	// The fetch window is bounded by the ledger; if the ledger cannot be
	// read the run aborts before fetching anything.
	wm, found, err := r.ledger.Get(ctx, m.ConversationID)
	if err != nil {
		return Outcome{State: StateFailed, Err: err}
	}
	prevToken := ""
	if found {
		prevToken = wm.LastToken
	}

	adapter, ok := r.adapters[m.Platform]
	if !ok {
		return Outcome{State: StateFailed, Token: prevToken,
			Err: fmt.Errorf("sweep: no adapter for platform %q", m.Platform)}
	}

	stream := adapter.History(ctx, m.ConversationID, prevToken)
	raw, fetchErr := stream.Collect(ctx)
	partial := false
	if fetchErr != nil {
		if len(raw) == 0 || !stream.Contiguous() {
			// A non-contiguous stream's partial read is the newest window;
			// committing it would advance the watermark past older messages
			// that were never fetched, stranding them below it forever.
			r.markFailure(ctx, m, models.RunFailed)
			return Outcome{State: StateFailed, Token: prevToken, Err: fetchErr}
		}
		// A contiguous stream delivers a gapless range above the watermark
		// before failing, so the messages in hand can still be committed;
		// the watermark advances only past them and the rest is picked up
		// next sweep.
		partial = true
	}

	if len(raw) == 0 {
		return Outcome{State: StateNoop, Token: prevToken}
	}

	att := attach.Materialize(ctx, adapter, raw)

	docs := normalize.Normalize(raw, att, normalize.Options{
		FileStem:   m.ConversationID,
		Title:      "Conversation " + m.ConversationID,
		ChunkByDay: m.ChunkByDay,
	})
	if len(docs) == 0 {
		return Outcome{State: StateNoop, Token: prevToken}
	}
	// Only placeholders that actually render count; a download failure on a
	// message normalization dropped (deleted or superseded) costs nothing.
	if normalize.HasFailedAttachments(docs) {
		partial = true
	}
	highest := normalize.HighestToken(docs)
	count := 0
	for _, d := range docs {
		count += len(d.Messages)
	}

	staged := make([]attach.Staged, 0, len(att.Staged))
	for _, s := range att.Staged {
		staged = append(staged, s)
	}

	res, err := r.writer.Commit(ctx, m, githost.ChangeSet{
		Docs:        docs,
		Attachments: staged,
		Message:     fmt.Sprintf("logbook: sync %s (%d messages)", m.ConversationID, count),
	})
	if err != nil {
		status := models.RunFailed
		state := StateFailed
		if errors.Is(err, githost.ErrConflict) {
			// Nothing landed; the watermark stays at the last good point.
			status = models.RunPartial
			state = StatePartial
		}
		r.markFailure(ctx, m, status)
		return Outcome{State: state, Token: prevToken, Messages: count, Err: err}
	}

	// Advance even when the commit was a no-op: the content is present
	// (e.g. a previous run committed but crashed before the ledger write),
	// so the watermark catches up to it.
	status := models.RunSucceeded
	state := StateCommitted
	if partial {
		status = models.RunPartial
		state = StatePartial
	}
	if !res.Committed && !partial {
		state = StateNoop
	}

	if err := r.ledger.Advance(ctx, m.ConversationID, prevToken, highest, status); err != nil {
		if errors.Is(err, ledger.ErrStale) {
			// A concurrent run advanced first; the commit content is safe.
			return Outcome{State: StateNoop, SHA: res.SHA, Token: prevToken, Messages: count, Err: err}
		}
		return Outcome{State: StateFailed, SHA: res.SHA, Token: prevToken, Messages: count, Err: err}
	}

	return Outcome{State: state, SHA: res.SHA, Token: highest, Messages: count}
}

// markFailure stamps a committed-nothing run in the ledger; best effort.
func (r *Runner) markFailure(ctx context.Context, m *models.ChannelMapping, status string) {
	if err := r.ledger.RecordFailure(ctx, m.ConversationID, status); err != nil {
		log.Printf("sweep: record failure for %s: %v", m.ConversationID, err)
	}
}

// recordRun writes the immutable audit row for one mapping run.
func (r *Runner) recordRun(m *models.ChannelMapping, outcome Outcome, took time.Duration) {
	eventType := models.EventSweepCommitted
	success := true
	switch outcome.State {
	case StateNoop:
		eventType = models.EventSweepNoop
	case StatePartial:
		eventType = models.EventSweepPartial
		success = false
	case StateFailed:
		eventType = models.EventSweepFailed
		success = false
	}

	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}

	now := time.Now().UTC()
	event := models.WebhookEvent{
		EventType:      eventType,
		ConversationID: m.ConversationID,
		Repo:           m.RepoSlug(),
		Branch:         m.Branch,
		Folder:         m.Folder,
		Success:        success,
		ErrorMessage:   errMsg,
		DurationMs:     took.Milliseconds(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.retention),
	}
	if err := r.db.Create(&event).Error; err != nil {
		log.Printf("sweep: record audit event for %s: %v", m.ConversationID, err)
	}
}
