/*
recurring.go - Recurring rule model and calendar arithmetic

PURPOSE:
  A RecurringRule is a template that periodically posts a simple entry and
  advances its own NextRepeat. The scheduler (api/scheduler.go) finds due
  rules; Manager.FireRecurring posts and advances in one transaction.

ADVANCEMENT:
  NextRepeat is always computed from the PREVIOUS NextRepeat, never from the
  wall clock, so missed windows do not compound drift.

    in_days: + RepeatArg days
    weekly:  + 7 days (RepeatArg ignored)
    monthly: + 1 calendar month, day clamped to month end (Jan 31 -> Feb 28)
    yearly:  + 1 calendar year, Feb 29 clamped to Feb 28

VALIDATION:
  in_days requires RepeatArg in [1, 512]; other kinds ignore RepeatArg.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RepeatKind selects the calendar step between firings.
type RepeatKind string

const (
	RepeatInDays  RepeatKind = "in_days"
	RepeatWeekly  RepeatKind = "weekly"
	RepeatMonthly RepeatKind = "monthly"
	RepeatYearly  RepeatKind = "yearly"
)

const (
	MinRepeatDays = 1
	MaxRepeatDays = 512
)

// NotificationMode controls whether a firing is pushed to the user.
type NotificationMode string

const (
	NotifyDefault NotificationMode = "default"
	NotifySilent  NotificationMode = "silent"
	NotifyWithout NotificationMode = "without"
)

// Pushes reports whether a firing in this mode is sent to the notifier.
func (m NotificationMode) Pushes() bool {
	return m == NotifyDefault || m == ""
}

// RecurringRule periodically posts a simple entry.
type RecurringRule struct {
	ID               RuleID
	OwnerID          OwnerID
	CategoryTagID    TagID
	AccountID        AccountID
	Delta            decimal.Decimal
	Description      string
	RepeatKind       RepeatKind
	RepeatArg        int
	NextRepeat       time.Time
	NotificationMode NotificationMode
}

// ValidateRule checks the schedule fields of a rule.
func ValidateRule(r RecurringRule) error {
	switch r.RepeatKind {
	case RepeatInDays:
		if r.RepeatArg < MinRepeatDays || r.RepeatArg > MaxRepeatDays {
			return &ValidationError{
				Field:  "repeat_arg",
				Reason: fmt.Sprintf("must be in [%d, %d], got %d", MinRepeatDays, MaxRepeatDays, r.RepeatArg),
				Err:    ErrInvalidRepeat,
			}
		}
	case RepeatWeekly, RepeatMonthly, RepeatYearly:
	default:
		return &ValidationError{Field: "repeat_kind", Reason: "unknown kind " + string(r.RepeatKind), Err: ErrInvalidRepeat}
	}
	switch r.NotificationMode {
	case "", NotifyDefault, NotifySilent, NotifyWithout:
	default:
		return &ValidationError{Field: "notification_mode", Reason: "unknown mode " + string(r.NotificationMode), Err: ErrInvalidRepeat}
	}
	if r.NextRepeat.IsZero() {
		return &ValidationError{Field: "next_repeat", Reason: "is required", Err: ErrInvalidRepeat}
	}
	return nil
}

// Advance returns the occurrence following prev.
func Advance(kind RepeatKind, arg int, prev time.Time) (time.Time, error) {
	switch kind {
	case RepeatInDays:
		if arg < MinRepeatDays || arg > MaxRepeatDays {
			return time.Time{}, &ValidationError{Field: "repeat_arg", Reason: "out of range", Err: ErrInvalidRepeat}
		}
		return prev.AddDate(0, 0, arg), nil
	case RepeatWeekly:
		return prev.AddDate(0, 0, 7), nil
	case RepeatMonthly:
		return addMonthsClamped(prev, 1), nil
	case RepeatYearly:
		return addMonthsClamped(prev, 12), nil
	}
	return time.Time{}, &ValidationError{Field: "repeat_kind", Reason: "unknown kind " + string(kind), Err: ErrInvalidRepeat}
}

// Next returns the occurrence following r.NextRepeat.
func (r RecurringRule) Next() (time.Time, error) {
	return Advance(r.RepeatKind, r.RepeatArg, r.NextRepeat)
}

// addMonthsClamped adds n calendar months, clamping the day to the target
// month's last day instead of overflowing like time.AddDate.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
