package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/logbookhq/logbook/internal/db"
	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// Run sweeps on the given cron schedule until the context is cancelled.
// Expired audit rows are purged after each sweep.
func (r *Runner) Run(ctx context.Context, cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("sweep: invalid cron expression %q: %w", cronExpr, err)
	}

	timer := time.NewTimer(nextCronDuration(cronExpr))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("sweep: %v", err)
			}
			r.purgeExpired()
			if d := nextCronDuration(cronExpr); d > 0 {
				timer.Reset(d)
			} else {
				timer.Reset(time.Minute)
			}
		}
	}
}

func (r *Runner) purgeExpired() {
	n, err := db.PurgeExpiredEvents(r.db, time.Now().UTC())
	if err != nil {
		log.Printf("sweep: purge expired events: %v", err)
		return
	}
	if n > 0 {
		log.Printf("sweep: purged %d expired audit events", n)
	}
}
