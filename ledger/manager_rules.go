package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCUMULATION SETTINGS
// =============================================================================

// SetAccumulation validates and upserts the round-up rule of a source account.
func (m *Manager) SetAccumulation(ctx context.Context, setting AccumulationSetting) error {
	if err := m.validateEntry(setting.OwnerID, ""); err != nil {
		return err
	}
	if err := ValidateSteps(setting.Steps, m.maxSteps); err != nil {
		return err
	}
	if setting.SourceAccountID == setting.TargetAccountID {
		return &ValidationError{Field: "target_account_id", Reason: "must differ from source", Err: ErrInvalidInput}
	}

	err := m.store.WithTx(ctx, func(s Store) error {
		if err := m.checkRefs(ctx, s, setting.OwnerID, setting.CategoryTagID, setting.SourceAccountID, setting.TargetAccountID); err != nil {
			return err
		}
		source, err := s.AccountCurrency(ctx, setting.SourceAccountID)
		if err != nil {
			return err
		}
		target, err := s.AccountCurrency(ctx, setting.TargetAccountID)
		if err != nil {
			return err
		}
		if source != target {
			return &ValidationError{Field: "target_account_id", Reason: "currency differs from source", Err: ErrInvalidInput}
		}
		return s.UpsertAccumulation(ctx, setting)
	})
	return m.fail("set_accumulation", 0, "", err)
}

// GetAccumulation returns the owner's setting for source.
func (m *Manager) GetAccumulation(ctx context.Context, owner OwnerID, source AccountID) (AccumulationSetting, error) {
	setting, err := m.store.GetAccumulation(ctx, source)
	if err != nil {
		return AccumulationSetting{}, m.fail("get_accumulation", 0, "", err)
	}
	if setting == nil || setting.OwnerID != owner {
		return AccumulationSetting{}, ErrAccumulationNotFound
	}
	return *setting, nil
}

func (m *Manager) ListAccumulations(ctx context.Context, owner OwnerID) ([]AccumulationSetting, error) {
	return m.store.ListAccumulations(ctx, owner)
}

func (m *Manager) DeleteAccumulation(ctx context.Context, owner OwnerID, source AccountID) error {
	return m.fail("delete_accumulation", 0, "", m.store.DeleteAccumulation(ctx, owner, source))
}

// EvaluateAccumulation returns the round-up that posting delta to source
// would trigger, without writing anything. Zero when the account has no
// setting; ErrAccountNotFound when owner does not own source.
func (m *Manager) EvaluateAccumulation(ctx context.Context, owner OwnerID, source AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	owns, err := m.store.UserOwnsAccount(ctx, owner, source)
	if err != nil {
		return decimal.Zero, m.fail("evaluate_accumulation", 0, "", err)
	}
	if !owns {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrAccountNotFound, source)
	}

	setting, err := m.store.GetAccumulation(ctx, source)
	if err != nil {
		return decimal.Zero, m.fail("evaluate_accumulation", 0, "", err)
	}
	if setting == nil || setting.OwnerID != owner {
		return decimal.Zero, nil
	}
	return EvaluateAccumulation(setting.Steps, delta), nil
}

// =============================================================================
// RECURRING RULES
// =============================================================================

// CreateRule validates and stores a new recurring rule.
func (m *Manager) CreateRule(ctx context.Context, r RecurringRule) (RuleID, error) {
	if err := m.validateRule(r); err != nil {
		return 0, err
	}

	var id RuleID
	err := m.store.WithTx(ctx, func(s Store) error {
		if err := m.checkRefs(ctx, s, r.OwnerID, r.CategoryTagID, r.AccountID); err != nil {
			return err
		}
		var err error
		id, err = s.InsertRule(ctx, r)
		return err
	})
	if err != nil {
		return 0, m.fail("create_rule", 0, KindRecurring, err)
	}
	return id, nil
}

// EditRule replaces every field of an owned rule.
func (m *Manager) EditRule(ctx context.Context, r RecurringRule) error {
	if err := m.validateRule(r); err != nil {
		return err
	}

	err := m.store.WithTx(ctx, func(s Store) error {
		current, err := s.GetRule(ctx, r.ID)
		if err != nil {
			return err
		}
		if current.OwnerID != r.OwnerID {
			return ErrRuleNotFound
		}
		if err := m.checkRefs(ctx, s, r.OwnerID, r.CategoryTagID, r.AccountID); err != nil {
			return err
		}
		return s.UpdateRule(ctx, r)
	})
	return m.fail("edit_rule", 0, KindRecurring, err)
}

func (m *Manager) GetRule(ctx context.Context, owner OwnerID, id RuleID) (RecurringRule, error) {
	r, err := m.store.GetRule(ctx, id)
	if err != nil {
		return RecurringRule{}, m.fail("get_rule", 0, KindRecurring, err)
	}
	if r.OwnerID != owner {
		return RecurringRule{}, ErrRuleNotFound
	}
	return r, nil
}

func (m *Manager) ListRules(ctx context.Context, owner OwnerID) ([]RecurringRule, error) {
	return m.store.ListRules(ctx, owner)
}

func (m *Manager) DeleteRule(ctx context.Context, owner OwnerID, id RuleID) error {
	return m.fail("delete_rule", 0, KindRecurring, m.store.DeleteRule(ctx, owner, id))
}

// DueRules returns every rule whose NextRepeat is at or before now.
func (m *Manager) DueRules(ctx context.Context, now time.Time) ([]RecurringRule, error) {
	return m.store.DueRules(ctx, now)
}

// Firing describes one posted occurrence of a rule.
type Firing struct {
	Rule       RecurringRule // state before the firing
	EntryID    EntryID
	NextRepeat time.Time
}

// FireRecurring posts the due occurrence of rule id and advances its
// NextRepeat in the same transaction. The entry is dated at the scheduled
// occurrence, not at now. Returns (nil, nil) when the rule is not due, and
// ErrConcurrentModification when the rule advanced underneath; in both cases
// nothing is written.
func (m *Manager) FireRecurring(ctx context.Context, id RuleID, now time.Time) (*Firing, error) {
	var firing *Firing
	err := m.store.WithTx(ctx, func(s Store) error {
		rule, err := s.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if rule.NextRepeat.After(now) {
			return nil
		}

		next, err := rule.Next()
		if err != nil {
			return err
		}

		entryID, err := m.simple.Apply(ctx, s, EntryInput{
			OwnerID:       rule.OwnerID,
			CategoryTagID: rule.CategoryTagID,
			AccountID:     rule.AccountID,
			CreatedAt:     rule.NextRepeat,
			Delta:         rule.Delta,
			Description:   rule.Description,
			Origin:        &Metadata{Kind: KindRecurring, Arg: int64(rule.ID)},
		}, now)
		if err != nil {
			return fmt.Errorf("failed to post recurring entry: %w", err)
		}

		if err := s.AdvanceRule(ctx, rule.ID, rule.NextRepeat, next); err != nil {
			return err
		}
		firing = &Firing{Rule: rule, EntryID: entryID, NextRepeat: next}
		return nil
	})
	if err != nil {
		return nil, m.fail("fire_recurring", 0, KindRecurring, err)
	}
	return firing, nil
}

func (m *Manager) validateRule(r RecurringRule) error {
	if err := m.validateEntry(r.OwnerID, r.Description); err != nil {
		return err
	}
	return ValidateRule(r)
}
