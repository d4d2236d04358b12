package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SimpleWorker handles single-row entries. The row may still carry an origin
// metadata record (recurring, has_accumulation); the record lives and dies
// with the row.
type SimpleWorker struct{}

// Apply inserts one entry, plus its origin metadata when in.Origin is set.
func (SimpleWorker) Apply(ctx context.Context, s Store, in EntryInput, now time.Time) (EntryID, error) {
	currency, err := s.AccountCurrency(ctx, in.AccountID)
	if err != nil {
		return 0, err
	}

	entry := Entry{
		OwnerID:       in.OwnerID,
		AccountID:     in.AccountID,
		CategoryTagID: in.CategoryTagID,
		CurrencyID:    currency,
		CreatedAt:     in.CreatedAt,
		Delta:         in.Delta,
		Description:   in.Description,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	if in.Origin != nil {
		mid, err := s.InsertMetadata(ctx, Metadata{Kind: in.Origin.Kind, Arg: in.Origin.Arg})
		if err != nil {
			return 0, fmt.Errorf("failed to insert origin metadata: %w", err)
		}
		entry.MetadataID = &mid
	}

	return s.InsertEntry(ctx, entry)
}

func (SimpleWorker) Edit(ctx context.Context, s Store, row Entry, in EditInput) error {
	if in.Linked != nil || in.Legs != nil {
		return fmt.Errorf("%w: entry %d has no linked leg", ErrKindMismatch, row.ID)
	}
	return applyEdit(ctx, s, row, in.Primary)
}

func (SimpleWorker) Cancel(ctx context.Context, s Store, row Entry) error {
	if err := s.DeleteEntry(ctx, row.ID); err != nil {
		return err
	}
	if row.MetadataID == nil {
		return nil
	}
	if err := s.DeleteMetadata(ctx, *row.MetadataID); err != nil && !errors.Is(err, ErrMetadataNotFound) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return nil
}

func (SimpleWorker) Resolve(ctx context.Context, s Store, row Entry, _ Seen) (RichEntry, bool, error) {
	kind, md, err := kindOf(ctx, s, row, "resolve")
	if err != nil {
		return RichEntry{}, false, err
	}

	rich := RichEntry{Entry: row}
	switch kind {
	case KindNone:
	case KindRecurring:
		rich.Metadata = RecurringRef{RuleID: RuleID(md.Arg)}
	case KindHasAccumulation:
		rich.Metadata = AccumulationRef{TransferEntryID: EntryID(md.Arg)}
	default:
		return RichEntry{}, false, &InvariantError{EntryID: row.ID, Kind: kind, Op: "resolve", Reason: "not a simple kind"}
	}
	return rich, true, nil
}
