/*
accumulation.go - Tiered round-up rule evaluated against posted entries

PURPOSE:
  An account may carry one AccumulationSetting. Whenever a simple entry is
  posted to that account, the first step whose bounds contain the entry's
  delta rounds the delta up to the next multiple of the step. The difference
  is moved into the target account as an internal transfer.

EVALUATION:
  round = ceil(delta / step) * step - delta

  Bounds are [from, to): from inclusive, to exclusive, either may be open.
  The FIRST matching step wins even when a later one also matches, so step
  order is preserved exactly as configured.

  Examples with [{0,100,10}, {100,-,50}]:
    37  -> 3
    40  -> 0   (already a multiple, no transfer)
    120 -> 30  (second step)

VALIDATION:
  Done when a setting is saved, never during evaluation:
  - at least one step, at most the configured maximum
  - every step strictly positive
  - from < to when both are present

SEE ALSO:
  - manager.go: ApplyEntry posts the round-up inside the same transaction
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccumulationStep is one tier. A nil bound is open-ended.
type AccumulationStep struct {
	From *decimal.Decimal `json:"from,omitempty"`
	To   *decimal.Decimal `json:"to,omitempty"`
	Step decimal.Decimal  `json:"step"`
}

// Contains reports whether amount falls in [From, To).
func (s AccumulationStep) Contains(amount decimal.Decimal) bool {
	if s.From != nil && amount.LessThan(*s.From) {
		return false
	}
	if s.To != nil && !amount.LessThan(*s.To) {
		return false
	}
	return true
}

// AccumulationSetting is the round-up rule of one source account.
// Source and target must share a currency; the account service checks that
// when the setting is saved.
type AccumulationSetting struct {
	SourceAccountID AccountID
	TargetAccountID AccountID
	CategoryTagID   TagID
	OwnerID         OwnerID
	Steps           []AccumulationStep
}

// ValidateSteps checks a step list before it is persisted.
func ValidateSteps(steps []AccumulationStep, maxSteps int) error {
	if len(steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "must not be empty", Err: ErrInvalidSteps}
	}
	if maxSteps > 0 && len(steps) > maxSteps {
		return &ValidationError{
			Field:  "steps",
			Reason: fmt.Sprintf("at most %d steps allowed, got %d", maxSteps, len(steps)),
			Err:    ErrInvalidSteps,
		}
	}
	for i, s := range steps {
		if !s.Step.IsPositive() {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].step", i), Reason: "must be positive", Err: ErrInvalidSteps}
		}
		if s.From != nil && s.To != nil && !s.From.LessThan(*s.To) {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Reason: "from must be below to", Err: ErrInvalidSteps}
		}
	}
	return nil
}

// EvaluateAccumulation returns the round-up for amount, or zero when no step
// matches, the matching step is not positive, or amount is already a multiple.
func EvaluateAccumulation(steps []AccumulationStep, amount decimal.Decimal) decimal.Decimal {
	for _, s := range steps {
		if !s.Contains(amount) {
			continue
		}
		if !s.Step.IsPositive() {
			return decimal.Zero
		}
		return roundUp(amount, s.Step)
	}
	return decimal.Zero
}

// roundUp computes ceil(amount/step)*step - amount without leaving exact
// decimal arithmetic. QuoRem truncates toward zero, so the remainder carries
// the sign of amount.
func roundUp(amount, step decimal.Decimal) decimal.Decimal {
	_, rem := amount.QuoRem(step, 0)
	switch {
	case rem.IsZero():
		return decimal.Zero
	case rem.IsPositive():
		return step.Sub(rem)
	default:
		return rem.Neg()
	}
}
