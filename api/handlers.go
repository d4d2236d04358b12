/*
handlers.go - HTTP API handlers for the finance ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Manager.

ENDPOINTS:
  Directory:
    POST   /api/accounts                   Create account
    GET    /api/accounts/{id}/balance      Account balance
    POST   /api/tags                       Create category tag

  Entries:
    POST   /api/entries                    Create simple entry
    GET    /api/entries                    List (filter, order, offset, limit)
    GET    /api/entries/count              Count rows matching a filter
    GET    /api/entries/{id}               Get one resolved entry
    PUT    /api/entries/{id}               Edit entry (and optional linked leg)
    DELETE /api/entries/{id}               Cancel entry, transfer or round-up

  Transfers:
    POST   /api/transfers                  Create internal transfer
    PUT    /api/transfers/{id}             Edit both legs by direction

  Accumulation:
    GET    /api/accumulations              List settings
    GET    /api/accumulations/{accountId}  Get setting
    PUT    /api/accumulations/{accountId}  Create or replace setting
    DELETE /api/accumulations/{accountId}  Delete setting
    POST   /api/accumulations/evaluate     Preview a round-up

  Recurring:
    GET/POST       /api/recurring
    GET/PUT/DELETE /api/recurring/{id}

  Admin:
    POST   /api/admin/recurring/run        Run one scheduler pass now

LISTING QUERY PARAMETERS:
  tag, account, currency  comma-separated ids, or repeated
  from, to                RFC 3339, inclusive
  description             case-insensitive substring
  order                   id_desc (default), created_desc, created_asc
  offset, limit           limit defaults to DefaultPageSize, capped at MaxPageSize

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, kind mismatch
  - 401: Missing X-User-ID
  - 403: Referenced account or tag owned by someone else
  - 404: Resource not found (foreign rows read as not found)
  - 409: Concurrent modification
  - 500: Invariant violations and store failures (logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager   *ledger.Manager
	Directory ledger.DirectoryStore
	Pinger    Pinger              // optional
	Scheduler *RecurringScheduler // optional
	Logger    *slog.Logger

	DefaultPageSize int
	MaxPageSize     int
}

// NewHandler creates a new handler. store backs the directory endpoints.
func NewHandler(manager *ledger.Manager, store ledger.DirectoryStore, logger *slog.Logger) *Handler {
	h := &Handler{
		Manager:         manager,
		Directory:       store,
		Logger:          logger,
		DefaultPageSize: 50,
		MaxPageSize:     500,
	}
	if p, ok := store.(Pinger); ok {
		h.Pinger = p
	}
	return h
}

// Health reports liveness and, when available, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreateAccount registers an account for the caller.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.CurrencyID <= 0 {
		writeError(w, http.StatusBadRequest, "name and currency_id are required", nil)
		return
	}

	id, err := h.Directory.SaveAccount(r.Context(), ledger.Account{
		OwnerID:    ownerFrom(r.Context()),
		CurrencyID: ledger.CurrencyID(req.CurrencyID),
		Name:       req.Name,
	})
	if err != nil {
		h.fail(w, r, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, AccountDTO{ID: int64(id), Name: req.Name, CurrencyID: req.CurrencyID})
}

// CreateTag registers a category tag for the caller.
func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req CreateTagRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	id, err := h.Directory.SaveTag(r.Context(), ledger.Tag{OwnerID: ownerFrom(r.Context()), Name: req.Name})
	if err != nil {
		h.fail(w, r, "Failed to create tag", err)
		return
	}
	writeJSON(w, http.StatusCreated, TagDTO{ID: int64(id), Name: req.Name})
}

// GetAccountBalance returns the sum of all entry deltas of an account.
func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	balance, err := h.Manager.AccountBalance(r.Context(), ownerFrom(r.Context()), ledger.AccountID(id))
	if err != nil {
		h.fail(w, r, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: id, Balance: balance})
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// CreateEntry applies a simple entry. A configured round-up for the account
// is posted in the same transaction.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := h.Manager.ApplyEntry(r.Context(), ledger.EntryInput{
		OwnerID:       ownerFrom(r.Context()),
		CategoryTagID: ledger.TagID(req.CategoryTagID),
		AccountID:     ledger.AccountID(req.AccountID),
		CreatedAt:     req.createdAt(),
		Delta:         req.Delta,
		Description:   req.Description,
	})
	if err != nil {
		h.fail(w, r, "Failed to create entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: int64(id)})
}

// ListEntries returns one page of resolved entries. Transfer legs are
// collapsed, so a page may hold fewer items than limit.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	offset, limit, err := h.parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}

	rows, err := h.Manager.ListEntries(r.Context(), ownerFrom(r.Context()), offset, limit, filter)
	if err != nil {
		h.fail(w, r, "Failed to list entries", err)
		return
	}

	dtos := make([]EntryDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toRichEntryDTO(row)
	}
	writeJSON(w, http.StatusOK, EntryListResponse{Entries: dtos, Offset: offset, Limit: limit})
}

// CountEntries counts raw rows matching the filter. Both legs of a transfer
// are counted.
func (h *Handler) CountEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	n, err := h.Manager.CountEntries(r.Context(), ownerFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, "Failed to count entries", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// GetEntry returns one resolved entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.Manager.GetEntry(r.Context(), ownerFrom(r.Context()), ledger.EntryID(id))
	if err != nil {
		h.fail(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toRichEntryDTO(entry))
}

// EditEntry edits the addressed entry. For a transfer leg, "linked" edits
// the other leg in the same transaction.
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req EditEntryRequest
	if !decode(w, r, &req) {
		return
	}

	owner := ownerFrom(r.Context())
	var err error
	if req.Linked == nil {
		err = h.Manager.EditEntry(r.Context(), owner, ledger.EntryID(id), req.toEdit())
	} else {
		err = h.Manager.EditEntryAndLinked(r.Context(), owner, ledger.EntryID(id), req.toEdit(), req.Linked.toEdit())
	}
	if err != nil {
		h.fail(w, r, "Failed to edit entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelEntry removes an entry together with everything its kind owns.
func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.Manager.CancelEntry(r.Context(), ownerFrom(r.Context()), ledger.EntryID(id)); err != nil {
		h.fail(w, r, "Failed to cancel entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer applies an internal transfer and returns the "from" leg id.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	var createdAt time.Time
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	id, err := h.Manager.ApplyTransfer(r.Context(), ledger.TransferInput{
		OwnerID:       ownerFrom(r.Context()),
		CategoryTagID: ledger.TagID(req.CategoryTagID),
		FromAccountID: ledger.AccountID(req.FromAccountID),
		ToAccountID:   ledger.AccountID(req.ToAccountID),
		CreatedAt:     createdAt,
		FromDelta:     req.FromDelta,
		ToDelta:       req.ToDelta,
		Description:   req.Description,
	})
	if err != nil {
		h.fail(w, r, "Failed to create transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: int64(id)})
}

// EditTransfer edits both legs, addressed by direction. {id} may be either leg.
func (h *Handler) EditTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req EditTransferRequest
	if !decode(w, r, &req) {
		return
	}

	err := h.Manager.EditTransfer(r.Context(), ownerFrom(r.Context()), ledger.EntryID(id), ledger.TransferEdit{
		From: req.From.toEdit(),
		To:   req.To.toEdit(),
	})
	if err != nil {
		h.fail(w, r, "Failed to edit transfer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCUMULATION HANDLERS
// =============================================================================

func (h *Handler) ListAccumulations(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Manager.ListAccumulations(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to list accumulation settings", err)
		return
	}

	dtos := make([]AccumulationDTO, len(settings))
	for i, s := range settings {
		dtos[i] = toAccumulationDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAccumulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	setting, err := h.Manager.GetAccumulation(r.Context(), ownerFrom(r.Context()), ledger.AccountID(id))
	if err != nil {
		h.fail(w, r, "Failed to get accumulation setting", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccumulationDTO(setting))
}

// SetAccumulation creates or replaces the setting of the source account.
func (h *Handler) SetAccumulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	var req AccumulationRequest
	if !decode(w, r, &req) {
		return
	}

	setting := req.toSetting(ownerFrom(r.Context()), ledger.AccountID(id))
	if err := h.Manager.SetAccumulation(r.Context(), setting); err != nil {
		h.fail(w, r, "Failed to save accumulation setting", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccumulationDTO(setting))
}

func (h *Handler) DeleteAccumulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	if err := h.Manager.DeleteAccumulation(r.Context(), ownerFrom(r.Context()), ledger.AccountID(id)); err != nil {
		h.fail(w, r, "Failed to delete accumulation setting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvaluateAccumulation previews the round-up a delta would trigger.
// Nothing is written.
func (h *Handler) EvaluateAccumulation(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}

	amount, err := h.Manager.EvaluateAccumulation(r.Context(), ownerFrom(r.Context()), ledger.AccountID(req.SourceAccountID), req.Delta)
	if err != nil {
		h.fail(w, r, "Failed to evaluate accumulation", err)
		return
	}
	writeJSON(w, http.StatusOK, EvaluateResponse{RoundUp: amount})
}

// =============================================================================
// RECURRING HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Manager.ListRules(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to list recurring rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}

	rule := req.toRule(ownerFrom(r.Context()), 0)
	id, err := h.Manager.CreateRule(r.Context(), rule)
	if err != nil {
		h.fail(w, r, "Failed to create recurring rule", err)
		return
	}
	rule.ID = id
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.Manager.GetRule(r.Context(), ownerFrom(r.Context()), ledger.RuleID(id))
	if err != nil {
		h.fail(w, r, "Failed to get recurring rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// EditRule replaces a rule. Entries it already posted are left untouched.
func (h *Handler) EditRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}

	rule := req.toRule(ownerFrom(r.Context()), ledger.RuleID(id))
	if err := h.Manager.EditRule(r.Context(), rule); err != nil {
		h.fail(w, r, "Failed to edit recurring rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.Manager.DeleteRule(r.Context(), ownerFrom(r.Context()), ledger.RuleID(id)); err != nil {
		h.fail(w, r, "Failed to delete recurring rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunScheduler runs one recurring pass synchronously and reports counts.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}

	sum := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, RunSummaryDTO{
		Due:      sum.Due,
		Fired:    sum.Fired,
		Skipped:  sum.Skipped,
		Failed:   sum.Failed,
		Notified: sum.Notified,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a ledger error to its HTTP status. Server-side failures are
// logged and their details withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrAccessDenied):
		writeError(w, http.StatusForbidden, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.ErrorContext(r.Context(), message,
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) parsePage(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit = h.DefaultPageSize
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset %q must be a non-negative integer", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit %q must be a positive integer", v)
		}
	}
	if limit > h.MaxPageSize {
		limit = h.MaxPageSize
	}
	return offset, limit, nil
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	var f ledger.Filter
	var err error

	if f.TagIDs, err = parseIDs[ledger.TagID](q["tag"]); err != nil {
		return f, fmt.Errorf("tag: %w", err)
	}
	if f.AccountIDs, err = parseIDs[ledger.AccountID](q["account"]); err != nil {
		return f, fmt.Errorf("account: %w", err)
	}
	if f.CurrencyIDs, err = parseIDs[ledger.CurrencyID](q["currency"]); err != nil {
		return f, fmt.Errorf("currency: %w", err)
	}
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	f.Description = q.Get("description")
	f.Order = ledger.Order(q.Get("order"))
	return f, f.Validate()
}

// parseIDs accepts repeated parameters and comma-separated lists.
func parseIDs[T ~int64](values []string) ([]T, error) {
	var ids []T
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, err
			}
			ids = append(ids, T(id))
		}
	}
	return ids, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
