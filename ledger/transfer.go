package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransferWorker handles internal transfers: two entries, one TransferLink
// row and one internal_transfer metadata record shared by both entries.
//
// INVARIANT: both legs exist, both reference the same metadata record, and
// that record's arg is the link whose From/To ids are exactly the two legs.
// Partial cancellation of one leg is not a supported state.
type TransferWorker struct{}

// Apply inserts both legs, the link and the metadata, and returns the id of
// the "from" leg.
func (TransferWorker) Apply(ctx context.Context, s Store, in TransferInput, now time.Time) (EntryID, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	leg := func(account AccountID, e Entry) (EntryID, error) {
		currency, err := s.AccountCurrency(ctx, account)
		if err != nil {
			return 0, err
		}
		e.AccountID = account
		e.CurrencyID = currency
		return s.InsertEntry(ctx, e)
	}
	base := Entry{
		OwnerID:       in.OwnerID,
		CategoryTagID: in.CategoryTagID,
		CreatedAt:     createdAt,
		Description:   in.Description,
	}

	fromEntry := base
	fromEntry.Delta = in.FromDelta
	fromID, err := leg(in.FromAccountID, fromEntry)
	if err != nil {
		return 0, fmt.Errorf("failed to insert from leg: %w", err)
	}

	toEntry := base
	toEntry.Delta = in.ToDelta
	toID, err := leg(in.ToAccountID, toEntry)
	if err != nil {
		return 0, fmt.Errorf("failed to insert to leg: %w", err)
	}

	linkID, err := s.InsertTransferLink(ctx, TransferLink{FromEntryID: fromID, ToEntryID: toID})
	if err != nil {
		return 0, fmt.Errorf("failed to insert transfer link: %w", err)
	}

	mid, err := s.InsertMetadata(ctx, Metadata{Kind: KindInternalTransfer, Arg: int64(linkID)})
	if err != nil {
		return 0, fmt.Errorf("failed to insert transfer metadata: %w", err)
	}

	for _, id := range []EntryID{fromID, toID} {
		if err := s.SetEntryMetadata(ctx, id, &mid); err != nil {
			return 0, fmt.Errorf("failed to attach transfer metadata: %w", err)
		}
	}
	return fromID, nil
}

func (w TransferWorker) Edit(ctx context.Context, s Store, row Entry, in EditInput) error {
	pair, err := w.load(ctx, s, row, "edit")
	if err != nil {
		return err
	}
	if err := sameAccountEdit(pair, row, in); err != nil {
		return err
	}

	if in.Legs != nil {
		if err := applyEdit(ctx, s, pair.from, in.Legs.From); err != nil {
			return fmt.Errorf("failed to edit from leg: %w", err)
		}
		if err := applyEdit(ctx, s, pair.to, in.Legs.To); err != nil {
			return fmt.Errorf("failed to edit to leg: %w", err)
		}
		return nil
	}

	if err := applyEdit(ctx, s, row, in.Primary); err != nil {
		return err
	}
	if in.Linked != nil {
		if err := applyEdit(ctx, s, pair.other(row.ID), *in.Linked); err != nil {
			return fmt.Errorf("failed to edit linked leg: %w", err)
		}
	}
	return nil
}

// sameAccountEdit rejects an edit that would leave both legs on one account.
func sameAccountEdit(pair transferPair, row Entry, in EditInput) error {
	var primary, other AccountID
	switch {
	case in.Legs != nil:
		primary, other = in.Legs.From.AccountID, in.Legs.To.AccountID
	case in.Linked != nil:
		primary, other = in.Primary.AccountID, in.Linked.AccountID
	default:
		primary, other = in.Primary.AccountID, pair.other(row.ID).AccountID
	}
	if primary == other {
		return &ValidationError{Field: "account_id", Reason: "transfer legs must be on different accounts", Err: ErrInvalidInput}
	}
	return nil
}

func (w TransferWorker) Cancel(ctx context.Context, s Store, row Entry) error {
	pair, err := w.load(ctx, s, row, "cancel")
	if err != nil {
		return err
	}

	for _, id := range []EntryID{pair.from.ID, pair.to.ID} {
		if err := s.DeleteEntry(ctx, id); err != nil {
			return fmt.Errorf("failed to delete leg %d: %w", id, err)
		}
	}
	if err := s.DeleteMetadata(ctx, pair.metadata.ID); err != nil {
		return fmt.Errorf("failed to delete transfer metadata: %w", err)
	}
	if err := s.DeleteTransferLink(ctx, pair.link.ID); err != nil {
		return fmt.Errorf("failed to delete transfer link: %w", err)
	}

	// Purchases that triggered this transfer as a round-up lose their marker.
	for _, id := range []EntryID{pair.from.ID, pair.to.ID} {
		markers, err := s.FindMetadata(ctx, KindHasAccumulation, int64(id))
		if err != nil {
			return fmt.Errorf("failed to find accumulation markers: %w", err)
		}
		for _, m := range markers {
			if err := s.DeleteMetadata(ctx, m.ID); err != nil {
				return fmt.Errorf("failed to delete accumulation marker: %w", err)
			}
		}
	}
	return nil
}

func (w TransferWorker) Resolve(ctx context.Context, s Store, row Entry, seen Seen) (RichEntry, bool, error) {
	pair, err := w.load(ctx, s, row, "resolve")
	if err != nil {
		return RichEntry{}, false, err
	}

	other := pair.other(row.ID)
	if seen.Has(other.ID) {
		return RichEntry{}, false, nil
	}
	return RichEntry{
		Entry: row,
		Metadata: TransferRef{
			LinkID: pair.link.ID,
			IsFrom: row.ID == pair.from.ID,
			Linked: other,
		},
	}, true, nil
}

// transferPair is a fully loaded and checked transfer.
type transferPair struct {
	metadata Metadata
	link     TransferLink
	from     Entry
	to       Entry
}

func (p transferPair) other(id EntryID) Entry {
	if id == p.from.ID {
		return p.to
	}
	return p.from
}

// load reads the metadata, link and both legs of row, checking every
// cross-reference. Any mismatch is an invariant violation.
func (TransferWorker) load(ctx context.Context, s Store, row Entry, op string) (transferPair, error) {
	violation := func(reason string) error {
		return &InvariantError{EntryID: row.ID, Kind: KindInternalTransfer, Op: op, Reason: reason}
	}

	kind, md, err := kindOf(ctx, s, row, op)
	if err != nil {
		return transferPair{}, err
	}
	if kind != KindInternalTransfer {
		return transferPair{}, violation("metadata kind is " + string(kind))
	}

	link, err := s.GetTransferLink(ctx, LinkID(md.Arg))
	if errors.Is(err, ErrLinkNotFound) {
		return transferPair{}, violation(fmt.Sprintf("link %d missing", md.Arg))
	}
	if err != nil {
		return transferPair{}, fmt.Errorf("failed to load transfer link: %w", err)
	}
	if row.ID != link.FromEntryID && row.ID != link.ToEntryID {
		return transferPair{}, violation(fmt.Sprintf("link %d does not reference the entry", link.ID))
	}

	pair := transferPair{metadata: *md, link: link}
	for _, leg := range []struct {
		id   EntryID
		into *Entry
	}{{link.FromEntryID, &pair.from}, {link.ToEntryID, &pair.to}} {
		if leg.id == row.ID {
			*leg.into = row
			continue
		}
		e, err := s.GetEntry(ctx, leg.id)
		if errors.Is(err, ErrEntryNotFound) {
			return transferPair{}, violation(fmt.Sprintf("leg %d missing", leg.id))
		}
		if err != nil {
			return transferPair{}, fmt.Errorf("failed to load leg: %w", err)
		}
		if e.MetadataID == nil || *e.MetadataID != md.ID {
			return transferPair{}, violation(fmt.Sprintf("leg %d does not share metadata %d", leg.id, md.ID))
		}
		*leg.into = e
	}
	return pair, nil
}
