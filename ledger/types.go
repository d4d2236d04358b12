/*
Package ledger provides the core money-movement engine.

PURPOSE:
  Records money movements as ledger entries, attaches typed metadata to
  entries that are part of a richer structure (internal transfers, recurring
  postings, accumulation round-ups), and exposes one Manager that keeps every
  mutation atomic.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one recorded money movement (signed decimal delta)
  - Metadata: a typed tag (kind + opaque arg) shared by related entries
  - TransferLink: the secondary row pairing the two legs of a transfer
  - RichEntry: an entry plus its resolved metadata, as returned by listings
  - Filter: optional, ANDed criteria for listing and counting

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, never a float
  2. Atomicity: every mutation runs inside one store transaction
  3. Polymorphism by kind: metadata kind selects the ActionWorker
  4. No balancing: delta sign is caller-controlled, nothing forces debit=credit

SEE ALSO:
  - worker.go: ActionWorker contract and registry
  - manager.go: public entry point
  - store.go: persistence interfaces
*/
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// OwnerID identifies the user owning ledger data.
type OwnerID = uuid.UUID

// ParseOwnerID parses the textual form of an owner id.
func ParseOwnerID(s string) (OwnerID, error) { return uuid.Parse(s) }

type EntryID int64
type MetadataID int64
type LinkID int64
type AccountID int64
type TagID int64
type CurrencyID int64
type RuleID int64

// =============================================================================
// METADATA
// =============================================================================

// MetadataKind selects how an entry is created, edited, canceled and resolved.
type MetadataKind string

const (
	KindNone             MetadataKind = "none"
	KindInternalTransfer MetadataKind = "internal_transfer"
	KindRecurring        MetadataKind = "recurring"
	KindHasAccumulation  MetadataKind = "has_accumulation"
)

// Valid reports whether k is a known kind.
func (k MetadataKind) Valid() bool {
	switch k {
	case KindNone, KindInternalTransfer, KindRecurring, KindHasAccumulation:
		return true
	}
	return false
}

// Metadata is the typed extension record attached to one or more entries.
// Arg is interpreted per kind:
//
//	internal_transfer: TransferLink id
//	recurring:         RecurringRule id
//	has_accumulation:  primary entry id of the round-up transfer
type Metadata struct {
	ID   MetadataID
	Kind MetadataKind
	Arg  int64
}

// TransferLink pairs the two legs of an internal transfer. Immutable once written.
type TransferLink struct {
	ID          LinkID
	FromEntryID EntryID
	ToEntryID   EntryID
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one recorded money movement.
type Entry struct {
	ID            EntryID
	OwnerID       OwnerID
	AccountID     AccountID
	CategoryTagID TagID
	CurrencyID    CurrencyID
	CreatedAt     time.Time
	Delta         decimal.Decimal
	Description   string
	MetadataID    *MetadataID // nil = plain entry
}

// HasMetadata reports whether the entry references a metadata record.
func (e Entry) HasMetadata() bool { return e.MetadataID != nil }

// EntryInput describes a new Simple entry.
type EntryInput struct {
	OwnerID       OwnerID
	CategoryTagID TagID
	AccountID     AccountID
	CreatedAt     time.Time // zero = now
	Delta         decimal.Decimal
	Description   string

	// Origin, when set, is attached to the new entry as its metadata.
	// Entries with an origin never trigger accumulation.
	Origin *Metadata
}

// TransferInput describes a new internal transfer. The two deltas are
// independent; nothing forces them to sum to zero.
type TransferInput struct {
	OwnerID       OwnerID
	CategoryTagID TagID
	FromAccountID AccountID
	ToAccountID   AccountID
	CreatedAt     time.Time // zero = now
	FromDelta     decimal.Decimal
	ToDelta       decimal.Decimal
	Description   string
}

// EntryEdit replaces the mutable fields of one entry.
type EntryEdit struct {
	CategoryTagID TagID
	AccountID     AccountID
	CreatedAt     time.Time
	Delta         decimal.Decimal
	Description   string
}

// EditInput is dispatched to a worker. Linked and Legs are only meaningful
// for kinds with a second leg.
type EditInput struct {
	Primary EntryEdit  // applies to the addressed row
	Linked  *EntryEdit // applies to the other leg, if any

	// Legs addresses transfer legs by direction and replaces Primary/Linked.
	Legs *TransferEdit
}

// TransferEdit edits both legs of a transfer at once.
type TransferEdit struct {
	From EntryEdit
	To   EntryEdit
}

// =============================================================================
// RESOLVED VIEW
// =============================================================================

// RichEntry is an entry with its metadata resolved into a typed view.
type RichEntry struct {
	Entry
	Metadata ResolvedMetadata // nil for plain entries
}

// ResolvedMetadata is implemented by the typed metadata views.
type ResolvedMetadata interface {
	Kind() MetadataKind
}

// TransferRef embeds the other leg of an internal transfer.
type TransferRef struct {
	LinkID LinkID
	IsFrom bool  // true when the enclosing entry is the "from" leg
	Linked Entry // the other leg
}

func (TransferRef) Kind() MetadataKind { return KindInternalTransfer }

// RecurringRef names the rule that posted the entry.
type RecurringRef struct {
	RuleID RuleID
}

func (RecurringRef) Kind() MetadataKind { return KindRecurring }

// AccumulationRef points at the round-up transfer triggered by the entry.
type AccumulationRef struct {
	TransferEntryID EntryID
}

func (AccumulationRef) Kind() MetadataKind { return KindHasAccumulation }

// =============================================================================
// FILTER
// =============================================================================

// Order selects listing order. Ties are always broken by id.
type Order string

const (
	OrderIDDesc      Order = "id_desc"
	OrderCreatedDesc Order = "created_desc"
	OrderCreatedAsc  Order = "created_asc"
)

// Filter narrows listings. Every field is optional; set fields are ANDed.
type Filter struct {
	TagIDs      []TagID
	AccountIDs  []AccountID
	CurrencyIDs []CurrencyID
	From        *time.Time // inclusive
	To          *time.Time // inclusive
	Description string     // case-insensitive substring
	Order       Order
}

// Validate rejects malformed ranges and unknown orderings.
func (f Filter) Validate() error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return &ValidationError{Field: "from", Reason: "after to", Err: ErrInvalidFilter}
	}
	switch f.Order {
	case "", OrderIDDesc, OrderCreatedDesc, OrderCreatedAsc:
	default:
		return &ValidationError{Field: "order", Reason: "unknown order " + string(f.Order), Err: ErrInvalidFilter}
	}
	return nil
}

// Matches applies the filter to a single entry. Stores that cannot push the
// filter into a query use it directly.
func (f Filter) Matches(e Entry) bool {
	if len(f.TagIDs) > 0 && !contains(f.TagIDs, e.CategoryTagID) {
		return false
	}
	if len(f.AccountIDs) > 0 && !contains(f.AccountIDs, e.AccountID) {
		return false
	}
	if len(f.CurrencyIDs) > 0 && !contains(f.CurrencyIDs, e.CurrencyID) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if f.Description != "" && !containsFold(e.Description, f.Description) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
