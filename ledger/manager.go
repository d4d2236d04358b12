/*
manager.go - Public entry point of the ledger engine

PURPOSE:
  Every mutating operation runs inside exactly one store transaction. The
  Manager loads the current row inside that transaction, reads its metadata
  kind, and dispatches to the matching ActionWorker. Nothing that affects the
  paired-leg or metadata invariants is decided outside the transaction that
  writes it.

OPERATIONS:
  ApplyEntry     simple entry (+ accumulation round-up, same transaction)
  ApplyTransfer  internal transfer (two legs)
  EditEntry      edit the addressed row (transfer: that leg only)
  EditTransfer   edit both legs of a transfer
  CancelEntry    delete the row (transfer: both legs, link, metadata)
  ListEntries    one page folded through each row's worker Resolve
  CountEntries   same filter, count only
  UserOwnsEntry  authorization helper

OWNERSHIP:
  Edit/cancel/get of a row the caller does not own fail with
  ErrEntryNotFound before any worker runs. Accounts and tags referenced by
  new or edited rows must belong to the caller (ErrAccessDenied).

LOGGING:
  Invariant and store failures are logged with op, entry_id and kind.
  Client errors are returned silently.

SEE ALSO:
  - worker.go: dispatch table
  - manager_rules.go: accumulation settings, recurring rules, FireRecurring
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMaxDescriptionLength caps entry descriptions when no option is given.
const DefaultMaxDescriptionLength = 256

// DefaultMaxAccumulationSteps caps step lists when no option is given.
const DefaultMaxAccumulationSteps = 16

// Manager orchestrates workers over a transactional store.
type Manager struct {
	store    TxStore
	workers  Workers
	simple   SimpleWorker
	transfer TransferWorker
	logger   *slog.Logger
	now      func() time.Time

	maxDescription int
	maxSteps       int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithWorkers(w Workers) Option { return func(m *Manager) { m.workers = w } }

func WithMaxDescriptionLength(n int) Option { return func(m *Manager) { m.maxDescription = n } }

func WithMaxAccumulationSteps(n int) Option { return func(m *Manager) { m.maxSteps = n } }

// NewManager creates a Manager with the default worker table.
func NewManager(store TxStore, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		workers:        DefaultWorkers(),
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		maxDescription: DefaultMaxDescriptionLength,
		maxSteps:       DefaultMaxAccumulationSteps,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "ledger")
	return m
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyEntry posts a simple entry and returns its id. When the account has an
// accumulation setting and the entry carries no origin metadata, the round-up
// transfer and the has_accumulation marker are written in the same
// transaction.
func (m *Manager) ApplyEntry(ctx context.Context, in EntryInput) (EntryID, error) {
	if err := m.validateEntry(in.OwnerID, in.Description); err != nil {
		return 0, err
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = m.now()
	}

	var id EntryID
	err := m.store.WithTx(ctx, func(s Store) error {
		if err := m.checkRefs(ctx, s, in.OwnerID, in.CategoryTagID, in.AccountID); err != nil {
			return err
		}

		var err error
		id, err = m.simple.Apply(ctx, s, in, m.now())
		if err != nil {
			return err
		}
		if in.Origin != nil {
			return nil
		}
		return m.accumulate(ctx, s, in.OwnerID, id, in.AccountID, in.Delta, in.CreatedAt)
	})
	if err != nil {
		return 0, m.fail("apply", 0, KindNone, err)
	}
	return id, nil
}

// ApplyTransfer posts an internal transfer and returns the "from" leg id.
func (m *Manager) ApplyTransfer(ctx context.Context, in TransferInput) (EntryID, error) {
	if err := m.validateEntry(in.OwnerID, in.Description); err != nil {
		return 0, err
	}
	if in.FromAccountID == in.ToAccountID {
		return 0, &ValidationError{Field: "to_account_id", Reason: "must differ from from_account_id", Err: ErrInvalidInput}
	}

	var id EntryID
	err := m.store.WithTx(ctx, func(s Store) error {
		if err := m.checkRefs(ctx, s, in.OwnerID, in.CategoryTagID, in.FromAccountID, in.ToAccountID); err != nil {
			return err
		}
		var err error
		id, err = m.transfer.Apply(ctx, s, in, m.now())
		return err
	})
	if err != nil {
		return 0, m.fail("apply_transfer", 0, KindInternalTransfer, err)
	}
	return id, nil
}

// accumulate posts the round-up transfer for a freshly applied entry.
func (m *Manager) accumulate(ctx context.Context, s Store, owner OwnerID, entryID EntryID, account AccountID, delta decimal.Decimal, at time.Time) error {
	setting, err := s.GetAccumulation(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load accumulation setting: %w", err)
	}
	if setting == nil || setting.OwnerID != owner {
		return nil
	}

	round := EvaluateAccumulation(setting.Steps, delta)
	if round.IsZero() {
		return nil
	}

	transferID, err := m.transfer.Apply(ctx, s, TransferInput{
		OwnerID:       owner,
		CategoryTagID: setting.CategoryTagID,
		FromAccountID: setting.SourceAccountID,
		ToAccountID:   setting.TargetAccountID,
		CreatedAt:     at,
		FromDelta:     round.Neg(),
		ToDelta:       round,
	}, m.now())
	if err != nil {
		return fmt.Errorf("failed to post round-up transfer: %w", err)
	}

	marker, err := s.InsertMetadata(ctx, Metadata{Kind: KindHasAccumulation, Arg: int64(transferID)})
	if err != nil {
		return fmt.Errorf("failed to insert accumulation marker: %w", err)
	}
	if err := s.SetEntryMetadata(ctx, entryID, &marker); err != nil {
		return fmt.Errorf("failed to attach accumulation marker: %w", err)
	}

	m.logger.Debug("accumulation posted",
		"entry_id", entryID, "transfer_entry_id", transferID, "round_up", round.String())
	return nil
}

// =============================================================================
// EDIT / CANCEL
// =============================================================================

// EditEntry edits the addressed row. For a transfer leg only that leg changes.
func (m *Manager) EditEntry(ctx context.Context, owner OwnerID, id EntryID, edit EntryEdit) error {
	return m.edit(ctx, owner, id, EditInput{Primary: edit}, "edit")
}

// EditTransfer edits both legs of the transfer that id belongs to. id may be
// either leg. Fails with ErrKindMismatch for non-transfer rows.
func (m *Manager) EditTransfer(ctx context.Context, owner OwnerID, id EntryID, edit TransferEdit) error {
	return m.edit(ctx, owner, id, EditInput{Legs: &edit}, "edit_transfer")
}

// EditEntryAndLinked edits the addressed transfer leg and its other leg in one
// transaction. Fails with ErrKindMismatch for non-transfer rows.
func (m *Manager) EditEntryAndLinked(ctx context.Context, owner OwnerID, id EntryID, edit, linked EntryEdit) error {
	return m.edit(ctx, owner, id, EditInput{Primary: edit, Linked: &linked}, "edit")
}

func (m *Manager) edit(ctx context.Context, owner OwnerID, id EntryID, in EditInput, op string) error {
	edits := []EntryEdit{in.Primary}
	if in.Linked != nil {
		edits = append(edits, *in.Linked)
	}
	if in.Legs != nil {
		edits = []EntryEdit{in.Legs.From, in.Legs.To}
	}
	for _, e := range edits {
		if err := m.validateEntry(owner, e.Description); err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			return &ValidationError{Field: "created_at", Reason: "is required", Err: ErrInvalidInput}
		}
	}

	kind := KindNone
	err := m.store.WithTx(ctx, func(s Store) error {
		row, err := m.loadOwned(ctx, s, owner, id)
		if err != nil {
			return err
		}
		for _, e := range edits {
			if err := m.checkRefs(ctx, s, owner, e.CategoryTagID, e.AccountID); err != nil {
				return err
			}
		}

		kind, _, err = kindOf(ctx, s, row, op)
		if err != nil {
			return err
		}
		worker, err := m.workers.lookup(row, kind, op)
		if err != nil {
			return err
		}
		return worker.Edit(ctx, s, row, in)
	})
	return m.fail(op, id, kind, err)
}

// CancelEntry deletes the entry. Canceling either leg of a transfer removes
// both legs, the link and the metadata. A second cancel of the same id fails
// with ErrEntryNotFound.
func (m *Manager) CancelEntry(ctx context.Context, owner OwnerID, id EntryID) error {
	kind := KindNone
	err := m.store.WithTx(ctx, func(s Store) error {
		row, err := m.loadOwned(ctx, s, owner, id)
		if err != nil {
			return err
		}
		kind, _, err = kindOf(ctx, s, row, "cancel")
		if err != nil {
			return err
		}
		worker, err := m.workers.lookup(row, kind, "cancel")
		if err != nil {
			return err
		}
		return worker.Cancel(ctx, s, row)
	})
	return m.fail("cancel", id, kind, err)
}

// =============================================================================
// READ
// =============================================================================

// GetEntry returns the resolved view of one owned entry.
func (m *Manager) GetEntry(ctx context.Context, owner OwnerID, id EntryID) (RichEntry, error) {
	var rich RichEntry
	err := m.store.WithTx(ctx, func(s Store) error {
		row, err := m.loadOwned(ctx, s, owner, id)
		if err != nil {
			return err
		}
		items, err := m.resolvePage(ctx, s, []Entry{row})
		if err != nil {
			return err
		}
		rich = items[0]
		return nil
	})
	if err != nil {
		return RichEntry{}, m.fail("get", id, "", err)
	}
	return rich, nil
}

// ListEntries returns one page of the owner's entries. Both legs of a
// transfer collapse into one item carrying the other leg as TransferRef.Linked,
// so a page may hold fewer items than count. Pagination is offset based;
// entries created in the same instant may shift across page boundaries.
func (m *Manager) ListEntries(ctx context.Context, owner OwnerID, offset, count int, f Filter) ([]RichEntry, error) {
	if offset < 0 || count <= 0 {
		return nil, &ValidationError{Field: "offset/count", Reason: "offset must be >= 0 and count > 0", Err: ErrInvalidFilter}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var items []RichEntry
	err := m.store.WithTx(ctx, func(s Store) error {
		rows, err := s.FindEntries(ctx, owner, offset, count, f)
		if err != nil {
			return fmt.Errorf("failed to find entries: %w", err)
		}
		items, err = m.resolvePage(ctx, s, rows)
		return err
	})
	if err != nil {
		return nil, m.fail("list", 0, "", err)
	}
	return items, nil
}

// CountEntries counts the owner's rows matching f. Transfer legs count
// individually.
func (m *Manager) CountEntries(ctx context.Context, owner OwnerID, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	n, err := m.store.CountEntries(ctx, owner, f)
	if err != nil {
		return 0, m.fail("count", 0, "", err)
	}
	return n, nil
}

func (m *Manager) UserOwnsEntry(ctx context.Context, owner OwnerID, id EntryID) (bool, error) {
	return m.store.UserOwnsEntry(ctx, owner, id)
}

// AccountBalance sums the deltas posted to an owned account.
func (m *Manager) AccountBalance(ctx context.Context, owner OwnerID, account AccountID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := m.store.WithTx(ctx, func(s Store) error {
		if err := m.checkRefs(ctx, s, owner, 0, account); err != nil {
			return err
		}
		var err error
		balance, err = s.AccountBalance(ctx, account)
		return err
	})
	return balance, err
}

// resolvePage folds rows through their workers. The accumulator carries the
// ids already represented so a transfer shows up once per page.
func (m *Manager) resolvePage(ctx context.Context, s Store, rows []Entry) ([]RichEntry, error) {
	acc := pageAccumulator{seen: make(Seen, len(rows))}
	for _, row := range rows {
		kind, _, err := kindOf(ctx, s, row, "resolve")
		if err != nil {
			return nil, err
		}
		worker, err := m.workers.lookup(row, kind, "resolve")
		if err != nil {
			return nil, err
		}
		rich, ok, err := worker.Resolve(ctx, s, row, acc.seen)
		if err != nil {
			return nil, err
		}
		if ok {
			acc = acc.add(rich)
		}
	}
	return acc.items, nil
}

type pageAccumulator struct {
	items []RichEntry
	seen  Seen
}

func (a pageAccumulator) add(rich RichEntry) pageAccumulator {
	a.items = append(a.items, rich)
	a.seen[rich.ID] = struct{}{}
	if ref, ok := rich.Metadata.(TransferRef); ok {
		a.seen[ref.Linked.ID] = struct{}{}
	}
	return a
}

// =============================================================================
// HELPERS
// =============================================================================

// loadOwned reads the current row inside the transaction. Missing and
// foreign rows are indistinguishable.
func (m *Manager) loadOwned(ctx context.Context, s Store, owner OwnerID, id EntryID) (Entry, error) {
	row, err := s.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if row.OwnerID != owner {
		return Entry{}, ErrEntryNotFound
	}
	return row, nil
}

// checkRefs verifies that tag (when non-zero) and every account belong to owner.
func (m *Manager) checkRefs(ctx context.Context, s Store, owner OwnerID, tag TagID, accounts ...AccountID) error {
	for _, a := range accounts {
		ok, err := s.UserOwnsAccount(ctx, owner, a)
		if err != nil {
			return fmt.Errorf("failed to check account ownership: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: account %d", ErrAccessDenied, a)
		}
	}
	if tag != 0 {
		ok, err := s.UserOwnsTag(ctx, owner, tag)
		if err != nil {
			return fmt.Errorf("failed to check tag ownership: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: tag %d", ErrAccessDenied, tag)
		}
	}
	return nil
}

func (m *Manager) validateEntry(owner OwnerID, description string) error {
	if owner == uuid.Nil {
		return &ValidationError{Field: "owner_id", Reason: "is required", Err: ErrInvalidInput}
	}
	if m.maxDescription > 0 && len(description) > m.maxDescription {
		return &ValidationError{
			Field:  "description",
			Reason: fmt.Sprintf("longer than %d bytes", m.maxDescription),
			Err:    ErrInvalidInput,
		}
	}
	return nil
}

// fail logs server-side failures and passes every error through unchanged.
func (m *Manager) fail(op string, id EntryID, kind MetadataKind, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrAccessDenied) || IsRetryable(err) {
		return err
	}
	m.logger.Error("ledger operation failed",
		"op", op, "entry_id", id, "kind", kind, "error", err)
	return err
}
