/*
worker.go - Per-kind action workers

PURPOSE:
  Each metadata kind has one ActionWorker that knows how entries of that kind
  are edited, canceled and resolved into RichEntry views. Creation is typed
  per worker (SimpleWorker.Apply, TransferWorker.Apply) because the inputs
  differ; the Manager picks the right one.

DISPATCH:
  The Manager reads the kind of an existing row (kindOf) inside the current
  transaction and looks the worker up in a Workers table before every edit,
  cancel and resolve. Unknown kinds are invariant violations, never coerced.

    none, recurring, has_accumulation -> SimpleWorker
    internal_transfer                  -> TransferWorker

ATOMIC SCOPE:
  Workers never open transactions. The Store they receive is already bound
  to the caller's transaction.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ActionWorker is implemented once per metadata kind.
type ActionWorker interface {
	// Edit mutates row (and, for paired kinds, its linked rows) in place.
	Edit(ctx context.Context, s Store, row Entry, in EditInput) error

	// Cancel deletes row and everything that only exists because of it.
	Cancel(ctx context.Context, s Store, row Entry) error

	// Resolve builds the listing view of row. It returns false when the row
	// is already represented by an entry in seen.
	Resolve(ctx context.Context, s Store, row Entry, seen Seen) (RichEntry, bool, error)
}

// Workers maps kinds to their worker.
type Workers map[MetadataKind]ActionWorker

// DefaultWorkers returns the table used by NewManager.
func DefaultWorkers() Workers {
	simple := SimpleWorker{}
	return Workers{
		KindNone:             simple,
		KindRecurring:        simple,
		KindHasAccumulation:  simple,
		KindInternalTransfer: TransferWorker{},
	}
}

func (w Workers) lookup(row Entry, kind MetadataKind, op string) (ActionWorker, error) {
	worker, ok := w[kind]
	if !ok {
		return nil, &InvariantError{EntryID: row.ID, Kind: kind, Op: op, Reason: "no worker registered for kind"}
	}
	return worker, nil
}

// Seen is the set of entry ids already represented in a listing.
type Seen map[EntryID]struct{}

func (s Seen) Has(id EntryID) bool {
	_, ok := s[id]
	return ok
}

// kindOf reads the metadata kind of row. A dangling metadata reference is an
// invariant violation.
func kindOf(ctx context.Context, s Store, row Entry, op string) (MetadataKind, *Metadata, error) {
	if row.MetadataID == nil {
		return KindNone, nil, nil
	}
	md, err := s.GetMetadata(ctx, *row.MetadataID)
	if errors.Is(err, ErrMetadataNotFound) {
		return "", nil, &InvariantError{
			EntryID: row.ID, Op: op,
			Reason: fmt.Sprintf("metadata %d referenced but missing", *row.MetadataID),
		}
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return md.Kind, &md, nil
}

// applyEdit overwrites the mutable fields of row. The currency follows the
// account and is re-read only when the account changes.
func applyEdit(ctx context.Context, s Store, row Entry, edit EntryEdit) error {
	if edit.AccountID != row.AccountID {
		currency, err := s.AccountCurrency(ctx, edit.AccountID)
		if err != nil {
			return err
		}
		row.CurrencyID = currency
	}
	row.AccountID = edit.AccountID
	row.CategoryTagID = edit.CategoryTagID
	row.CreatedAt = edit.CreatedAt
	row.Delta = edit.Delta
	row.Description = edit.Description
	return s.UpdateEntry(ctx, row)
}
