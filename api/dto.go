/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Every amount is a decimal.Decimal, which marshals as a JSON string
  ("12.30") and accepts either a string or a number on input.

TIMESTAMPS:
  RFC 3339. A missing created_at on input means "now".

VALIDATION:
  Validation is done by the ledger Manager, not in DTOs. DTOs are pure
  data carriers; handlers only reject bodies that fail to decode.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

type CreateAccountRequest struct {
	Name       string `json:"name"`
	CurrencyID int64  `json:"currency_id"`
}

type AccountDTO struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CurrencyID int64  `json:"currency_id"`
}

type CreateTagRequest struct {
	Name string `json:"name"`
}

type TagDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type BalanceDTO struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// =============================================================================
// ENTRIES
// =============================================================================

// EntryRequest creates or edits a simple entry.
type EntryRequest struct {
	CategoryTagID int64           `json:"category_tag_id"`
	AccountID     int64           `json:"account_id"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	Delta         decimal.Decimal `json:"delta"`
	Description   string          `json:"description"`
}

func (r EntryRequest) createdAt() time.Time {
	if r.CreatedAt == nil {
		return time.Time{}
	}
	return *r.CreatedAt
}

func (r EntryRequest) toEdit() ledger.EntryEdit {
	return ledger.EntryEdit{
		CategoryTagID: ledger.TagID(r.CategoryTagID),
		AccountID:     ledger.AccountID(r.AccountID),
		CreatedAt:     r.createdAt(),
		Delta:         r.Delta,
		Description:   r.Description,
	}
}

// EditEntryRequest edits one entry. Linked, when present, edits the other
// leg of a transfer in the same call.
type EditEntryRequest struct {
	EntryRequest
	Linked *EntryRequest `json:"linked,omitempty"`
}

// EntryDTO represents one entry in API responses.
type EntryDTO struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	CategoryTagID int64           `json:"category_tag_id"`
	CurrencyID    int64           `json:"currency_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Delta         decimal.Decimal `json:"delta"`
	Description   string          `json:"description"`
	Metadata      *MetadataDTO    `json:"metadata,omitempty"`
}

// MetadataDTO is the resolved metadata of an entry. Only the fields of the
// reported kind are set.
type MetadataDTO struct {
	Kind string `json:"kind"`

	// internal_transfer
	IsFrom *bool     `json:"is_from,omitempty"`
	Linked *EntryDTO `json:"linked,omitempty"`

	// recurring
	RuleID *int64 `json:"rule_id,omitempty"`

	// has_accumulation
	TransferEntryID *int64 `json:"transfer_entry_id,omitempty"`
}

type EntryListResponse struct {
	Entries []EntryDTO `json:"entries"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type CreatedResponse struct {
	ID int64 `json:"id"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            int64(e.ID),
		AccountID:     int64(e.AccountID),
		CategoryTagID: int64(e.CategoryTagID),
		CurrencyID:    int64(e.CurrencyID),
		CreatedAt:     e.CreatedAt,
		Delta:         e.Delta,
		Description:   e.Description,
	}
}

func toRichEntryDTO(r ledger.RichEntry) EntryDTO {
	dto := toEntryDTO(r.Entry)
	switch md := r.Metadata.(type) {
	case ledger.TransferRef:
		linked := toEntryDTO(md.Linked)
		isFrom := md.IsFrom
		dto.Metadata = &MetadataDTO{Kind: string(md.Kind()), IsFrom: &isFrom, Linked: &linked}
	case ledger.RecurringRef:
		id := int64(md.RuleID)
		dto.Metadata = &MetadataDTO{Kind: string(md.Kind()), RuleID: &id}
	case ledger.AccumulationRef:
		id := int64(md.TransferEntryID)
		dto.Metadata = &MetadataDTO{Kind: string(md.Kind()), TransferEntryID: &id}
	}
	return dto
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferRequest struct {
	CategoryTagID int64           `json:"category_tag_id"`
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	FromDelta     decimal.Decimal `json:"from_delta"`
	ToDelta       decimal.Decimal `json:"to_delta"`
	Description   string          `json:"description"`
}

// EditTransferRequest edits both legs, addressed by direction.
type EditTransferRequest struct {
	From EntryRequest `json:"from"`
	To   EntryRequest `json:"to"`
}

// =============================================================================
// ACCUMULATION
// =============================================================================

type AccumulationStepDTO struct {
	From *decimal.Decimal `json:"from,omitempty"`
	To   *decimal.Decimal `json:"to,omitempty"`
	Step decimal.Decimal  `json:"step"`
}

type AccumulationRequest struct {
	TargetAccountID int64                 `json:"target_account_id"`
	CategoryTagID   int64                 `json:"category_tag_id"`
	Steps           []AccumulationStepDTO `json:"steps"`
}

type AccumulationDTO struct {
	SourceAccountID int64                 `json:"source_account_id"`
	TargetAccountID int64                 `json:"target_account_id"`
	CategoryTagID   int64                 `json:"category_tag_id"`
	Steps           []AccumulationStepDTO `json:"steps"`
}

type EvaluateRequest struct {
	SourceAccountID int64           `json:"source_account_id"`
	Delta           decimal.Decimal `json:"delta"`
}

type EvaluateResponse struct {
	RoundUp decimal.Decimal `json:"round_up"`
}

func toAccumulationDTO(s ledger.AccumulationSetting) AccumulationDTO {
	steps := make([]AccumulationStepDTO, len(s.Steps))
	for i, st := range s.Steps {
		steps[i] = AccumulationStepDTO{From: st.From, To: st.To, Step: st.Step}
	}
	return AccumulationDTO{
		SourceAccountID: int64(s.SourceAccountID),
		TargetAccountID: int64(s.TargetAccountID),
		CategoryTagID:   int64(s.CategoryTagID),
		Steps:           steps,
	}
}

func (r AccumulationRequest) toSetting(owner ledger.OwnerID, source ledger.AccountID) ledger.AccumulationSetting {
	steps := make([]ledger.AccumulationStep, len(r.Steps))
	for i, st := range r.Steps {
		steps[i] = ledger.AccumulationStep{From: st.From, To: st.To, Step: st.Step}
	}
	return ledger.AccumulationSetting{
		SourceAccountID: source,
		TargetAccountID: ledger.AccountID(r.TargetAccountID),
		CategoryTagID:   ledger.TagID(r.CategoryTagID),
		OwnerID:         owner,
		Steps:           steps,
	}
}

// =============================================================================
// RECURRING
// =============================================================================

type RuleRequest struct {
	CategoryTagID    int64           `json:"category_tag_id"`
	AccountID        int64           `json:"account_id"`
	Delta            decimal.Decimal `json:"delta"`
	Description      string          `json:"description"`
	RepeatKind       string          `json:"repeat_kind"`
	RepeatArg        int             `json:"repeat_arg"`
	NextRepeat       time.Time       `json:"next_repeat"`
	NotificationMode string          `json:"notification_mode,omitempty"`
}

type RuleDTO struct {
	ID               int64           `json:"id"`
	CategoryTagID    int64           `json:"category_tag_id"`
	AccountID        int64           `json:"account_id"`
	Delta            decimal.Decimal `json:"delta"`
	Description      string          `json:"description"`
	RepeatKind       string          `json:"repeat_kind"`
	RepeatArg        int             `json:"repeat_arg"`
	NextRepeat       time.Time       `json:"next_repeat"`
	NotificationMode string          `json:"notification_mode"`
}

func (r RuleRequest) toRule(owner ledger.OwnerID, id ledger.RuleID) ledger.RecurringRule {
	mode := ledger.NotificationMode(r.NotificationMode)
	if mode == "" {
		mode = ledger.NotifyDefault
	}
	return ledger.RecurringRule{
		ID:               id,
		OwnerID:          owner,
		CategoryTagID:    ledger.TagID(r.CategoryTagID),
		AccountID:        ledger.AccountID(r.AccountID),
		Delta:            r.Delta,
		Description:      r.Description,
		RepeatKind:       ledger.RepeatKind(r.RepeatKind),
		RepeatArg:        r.RepeatArg,
		NextRepeat:       r.NextRepeat,
		NotificationMode: mode,
	}
}

func toRuleDTO(r ledger.RecurringRule) RuleDTO {
	return RuleDTO{
		ID:               int64(r.ID),
		CategoryTagID:    int64(r.CategoryTagID),
		AccountID:        int64(r.AccountID),
		Delta:            r.Delta,
		Description:      r.Description,
		RepeatKind:       string(r.RepeatKind),
		RepeatArg:        r.RepeatArg,
		NextRepeat:       r.NextRepeat,
		NotificationMode: string(r.NotificationMode),
	}
}

// RunSummaryDTO reports one manual scheduler pass.
type RunSummaryDTO struct {
	Due      int `json:"due"`
	Fired    int `json:"fired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Notified int `json:"notified"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
