/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the boundary between the ledger logic and the relational store.
  The store is the sole source of truth and the sole locking authority.

KEY INTERFACES:
  EntryStore:        Ledger entry CRUD, filtered paging, ownership checks
  MetadataStore:     Metadata records and transfer link rows
  DirectoryStore:    Account/tag ownership and account currency lookups
  AccumulationStore: Per-account round-up settings
  RecurringStore:    Recurring rules and compare-and-set advancement
  TxStore:           All of the above plus WithTx for atomic scopes

ATOMIC SCOPES:
  Every Manager mutation calls WithTx once. The Store handed to fn reads and
  writes through the same database transaction, so the "read current row,
  decide, write" sequence never spans two transactions.

NOT-FOUND CONVENTION:
  Single-row getters return the matching Err*NotFound sentinel. The one
  exception is GetAccumulation, which returns (nil, nil) because a missing
  setting is the normal "no rule" case.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (production)
  - ledger/store/memory.go: In-memory (tests)
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

type EntryStore interface {
	// InsertEntry persists e (ignoring e.ID) and returns the assigned id.
	InsertEntry(ctx context.Context, e Entry) (EntryID, error)

	// GetEntry returns ErrEntryNotFound when the row does not exist.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// UpdateEntry overwrites the mutable fields (tag, account, currency,
	// time, delta, description). Owner and metadata are left untouched.
	UpdateEntry(ctx context.Context, e Entry) error

	// SetEntryMetadata attaches (or detaches, when metadataID is nil) metadata.
	SetEntryMetadata(ctx context.Context, id EntryID, metadataID *MetadataID) error

	// DeleteEntry returns ErrEntryNotFound when nothing was deleted.
	DeleteEntry(ctx context.Context, id EntryID) error

	// FindEntries returns one page of the owner's entries matching f.
	FindEntries(ctx context.Context, owner OwnerID, offset, count int, f Filter) ([]Entry, error)

	// CountEntries counts the owner's entries matching f.
	CountEntries(ctx context.Context, owner OwnerID, f Filter) (int, error)

	UserOwnsEntry(ctx context.Context, owner OwnerID, id EntryID) (bool, error)

	// AccountBalance sums every delta posted to the account.
	AccountBalance(ctx context.Context, account AccountID) (decimal.Decimal, error)
}

// =============================================================================
// METADATA STORE
// =============================================================================

type MetadataStore interface {
	InsertMetadata(ctx context.Context, m Metadata) (MetadataID, error)
	GetMetadata(ctx context.Context, id MetadataID) (Metadata, error)

	// DeleteMetadata removes the record and detaches every entry referencing it.
	DeleteMetadata(ctx context.Context, id MetadataID) error

	// FindMetadata returns records of the given kind carrying arg.
	FindMetadata(ctx context.Context, kind MetadataKind, arg int64) ([]Metadata, error)

	InsertTransferLink(ctx context.Context, l TransferLink) (LinkID, error)
	GetTransferLink(ctx context.Context, id LinkID) (TransferLink, error)
	DeleteTransferLink(ctx context.Context, id LinkID) error
}

// =============================================================================
// DIRECTORY STORE - account/tag collaborators
// =============================================================================

// Account is the minimal account view the ledger needs.
type Account struct {
	ID         AccountID
	OwnerID    OwnerID
	CurrencyID CurrencyID
	Name       string
}

// Tag is a category tag.
type Tag struct {
	ID      TagID
	OwnerID OwnerID
	Name    string
}

type DirectoryStore interface {
	SaveAccount(ctx context.Context, a Account) (AccountID, error)
	SaveTag(ctx context.Context, t Tag) (TagID, error)

	// AccountCurrency returns ErrAccountNotFound for unknown accounts.
	AccountCurrency(ctx context.Context, account AccountID) (CurrencyID, error)

	UserOwnsAccount(ctx context.Context, owner OwnerID, account AccountID) (bool, error)
	UserOwnsTag(ctx context.Context, owner OwnerID, tag TagID) (bool, error)
}

// =============================================================================
// ACCUMULATION STORE
// =============================================================================

type AccumulationStore interface {
	// UpsertAccumulation creates or replaces the setting keyed on
	// (SourceAccountID, OwnerID).
	UpsertAccumulation(ctx context.Context, s AccumulationSetting) error

	// GetAccumulation returns (nil, nil) when the account has no setting.
	GetAccumulation(ctx context.Context, source AccountID) (*AccumulationSetting, error)

	ListAccumulations(ctx context.Context, owner OwnerID) ([]AccumulationSetting, error)

	// DeleteAccumulation returns ErrAccumulationNotFound when nothing was deleted.
	DeleteAccumulation(ctx context.Context, owner OwnerID, source AccountID) error
}

// =============================================================================
// RECURRING STORE
// =============================================================================

type RecurringStore interface {
	InsertRule(ctx context.Context, r RecurringRule) (RuleID, error)

	// GetRule returns ErrRuleNotFound when the row does not exist.
	GetRule(ctx context.Context, id RuleID) (RecurringRule, error)

	// UpdateRule overwrites every field but ID and OwnerID.
	UpdateRule(ctx context.Context, r RecurringRule) error

	DeleteRule(ctx context.Context, owner OwnerID, id RuleID) error
	ListRules(ctx context.Context, owner OwnerID) ([]RecurringRule, error)

	// DueRules returns every rule with NextRepeat <= now.
	DueRules(ctx context.Context, now time.Time) ([]RecurringRule, error)

	// AdvanceRule moves NextRepeat from prev to next. Returns
	// ErrConcurrentModification when NextRepeat no longer equals prev.
	AdvanceRule(ctx context.Context, id RuleID, prev, next time.Time) error
}

// =============================================================================
// COMPOSED STORES
// =============================================================================

// Store is everything a worker may touch inside one atomic scope.
type Store interface {
	EntryStore
	MetadataStore
	DirectoryStore
	AccumulationStore
	RecurringStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
