/*
scheduler.go - Recurring rule scheduler

PURPOSE:
  Periodically posts the due occurrences of recurring rules and pushes a
  notification for each posting whose rule asks for one.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass asks the Manager for rules with NextRepeat <= now
  - Each due rule posts one occurrence per pass by default; a rule that fell
    behind catches up over later passes, or within one pass when
    MaxCatchUp is raised
  - Posting and advancing NextRepeat commit together (Manager.FireRecurring);
    a rule advanced by another instance is skipped, never double-posted
  - Notifications are sent after commit; a failed publish is logged and
    the posting stays

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - MaxCatchUp: Occurrences posted per rule per pass (default: 1)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRecurringScheduler(manager, publisher, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunScheduler endpoint (manual pass)
  - ledger/manager_rules.go: FireRecurring
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/notify"
)

// DefaultMaxCatchUp is one posting per due rule per pass.
const DefaultMaxCatchUp = 1

// RecurringScheduler posts due recurring rules.
type RecurringScheduler struct {
	Manager       *ledger.Manager
	Publisher     notify.Publisher
	Logger        *slog.Logger
	CheckInterval time.Duration
	MaxCatchUp    int
	Enabled       bool

	// Now is the scheduler clock. Defaults to time.Now.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker and stop
	passMu sync.Mutex // serializes passes
}

// RunSummary counts the outcome of one pass.
type RunSummary struct {
	Due      int
	Fired    int
	Skipped  int
	Failed   int
	Notified int
}

// NewRecurringScheduler creates a new scheduler.
func NewRecurringScheduler(manager *ledger.Manager, publisher notify.Publisher, logger *slog.Logger) *RecurringScheduler {
	return &RecurringScheduler{
		Manager:       manager,
		Publisher:     publisher,
		Logger:        logger.With("component", "scheduler"),
		CheckInterval: time.Minute,
		MaxCatchUp:    DefaultMaxCatchUp,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (rs *RecurringScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("started", "check_interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *RecurringScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("stopped")
	}
}

func (rs *RecurringScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-ticker.C:
			rs.checkAndProcess(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass synchronously.
func (rs *RecurringScheduler) RunNow(ctx context.Context) RunSummary {
	return rs.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *RecurringScheduler) GetNextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}

func (rs *RecurringScheduler) now() time.Time {
	if rs.Now == nil {
		return time.Now()
	}
	return rs.Now()
}

func (rs *RecurringScheduler) checkAndProcess(ctx context.Context) RunSummary {
	rs.passMu.Lock()
	defer rs.passMu.Unlock()

	var sum RunSummary
	now := rs.now()

	due, err := rs.Manager.DueRules(ctx, now)
	if err != nil {
		rs.Logger.Error("listing due rules", "error", err)
		return sum
	}
	sum.Due = len(due)

	for _, rule := range due {
		if ctx.Err() != nil {
			break
		}
		rs.catchUp(ctx, rule.ID, now, &sum)
	}

	if sum.Due > 0 {
		rs.Logger.Info("pass complete",
			"due", sum.Due, "fired", sum.Fired, "skipped", sum.Skipped,
			"failed", sum.Failed, "notified", sum.Notified)
	}
	return sum
}

// catchUp fires rule id until it is no longer due or MaxCatchUp is reached.
func (rs *RecurringScheduler) catchUp(ctx context.Context, id ledger.RuleID, now time.Time, sum *RunSummary) {
	var last *ledger.Firing
	for i := 0; i < rs.MaxCatchUp; i++ {
		firing, err := rs.Manager.FireRecurring(ctx, id, now)
		switch {
		case errors.Is(err, ledger.ErrConcurrentModification), errors.Is(err, ledger.ErrRuleNotFound):
			rs.Logger.Debug("rule changed underneath, skipping", "rule_id", id, "error", err)
			sum.Skipped++
			return
		case err != nil:
			rs.Logger.Error("firing rule", "rule_id", id, "error", err)
			sum.Failed++
			return
		case firing == nil:
			return
		}

		last = firing
		sum.Fired++
		if rs.notify(ctx, firing) {
			sum.Notified++
		}
	}
	if last != nil && !last.NextRepeat.After(now) {
		rs.Logger.Warn("catch-up limit reached", "rule_id", id, "max_catch_up", rs.MaxCatchUp, "next_repeat", last.NextRepeat)
	}
}

func (rs *RecurringScheduler) notify(ctx context.Context, f *ledger.Firing) bool {
	if rs.Publisher == nil || !f.Rule.NotificationMode.Pushes() {
		return false
	}

	msg := notify.NewMessage(notify.MessageTypeRecurringPosted, f.Rule.OwnerID, notify.RecurringPostedPayload{
		RuleID:      int64(f.Rule.ID),
		EntryID:     int64(f.EntryID),
		AccountID:   int64(f.Rule.AccountID),
		Delta:       f.Rule.Delta,
		Description: f.Rule.Description,
		PostedAt:    f.Rule.NextRepeat,
		NextRepeat:  f.NextRepeat,
	})
	if err := rs.Publisher.Publish(ctx, msg); err != nil {
		rs.Logger.Warn("publishing notification", "rule_id", f.Rule.ID, "entry_id", f.EntryID, "error", err)
		return false
	}
	return true
}
