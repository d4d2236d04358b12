// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// MEMORY STATE - unlocked tables, shared by Memory and transaction views
// =============================================================================

type sequences struct {
	entry, metadata, link, account, tag, rule int64
}

type state struct {
	entries       map[ledger.EntryID]ledger.Entry
	metadata      map[ledger.MetadataID]ledger.Metadata
	links         map[ledger.LinkID]ledger.TransferLink
	accounts      map[ledger.AccountID]ledger.Account
	tags          map[ledger.TagID]ledger.Tag
	accumulations map[ledger.AccountID]ledger.AccumulationSetting
	rules         map[ledger.RuleID]ledger.RecurringRule
	seq           sequences
}

func newState() *state {
	return &state{
		entries:       make(map[ledger.EntryID]ledger.Entry),
		metadata:      make(map[ledger.MetadataID]ledger.Metadata),
		links:         make(map[ledger.LinkID]ledger.TransferLink),
		accounts:      make(map[ledger.AccountID]ledger.Account),
		tags:          make(map[ledger.TagID]ledger.Tag),
		accumulations: make(map[ledger.AccountID]ledger.AccumulationSetting),
		rules:         make(map[ledger.RuleID]ledger.RecurringRule),
	}
}

// clone copies every table. Values are replaced, never mutated in place,
// so copying the maps is enough.
func (s *state) clone() *state {
	return &state{
		entries:       cloneMap(s.entries),
		metadata:      cloneMap(s.metadata),
		links:         cloneMap(s.links),
		accounts:      cloneMap(s.accounts),
		tags:          cloneMap(s.tags),
		accumulations: cloneMap(s.accumulations),
		rules:         cloneMap(s.rules),
		seq:           s.seq,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- entries ---

func (s *state) insertEntry(e ledger.Entry) ledger.EntryID {
	s.seq.entry++
	e.ID = ledger.EntryID(s.seq.entry)
	e.MetadataID = copyID(e.MetadataID)
	s.entries[e.ID] = e
	return e.ID
}

func (s *state) getEntry(id ledger.EntryID) (ledger.Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (s *state) updateEntry(e ledger.Entry) error {
	cur, ok := s.entries[e.ID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	cur.AccountID = e.AccountID
	cur.CategoryTagID = e.CategoryTagID
	cur.CurrencyID = e.CurrencyID
	cur.CreatedAt = e.CreatedAt
	cur.Delta = e.Delta
	cur.Description = e.Description
	s.entries[e.ID] = cur
	return nil
}

func (s *state) setEntryMetadata(id ledger.EntryID, mid *ledger.MetadataID) error {
	cur, ok := s.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	cur.MetadataID = copyID(mid)
	s.entries[id] = cur
	return nil
}

func (s *state) deleteEntry(id ledger.EntryID) error {
	if _, ok := s.entries[id]; !ok {
		return ledger.ErrEntryNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *state) matching(owner ledger.OwnerID, f ledger.Filter) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.OwnerID == owner && f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *state) findEntries(owner ledger.OwnerID, offset, count int, f ledger.Filter) []ledger.Entry {
	rows := s.matching(owner, f)
	sortEntries(rows, f.Order)
	if offset >= len(rows) {
		return nil
	}
	end := offset + count
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func sortEntries(rows []ledger.Entry, order ledger.Order) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch order {
		case ledger.OrderCreatedAsc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		case ledger.OrderCreatedDesc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID > b.ID
	})
}

func (s *state) accountBalance(account ledger.AccountID) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.entries {
		if e.AccountID == account {
			sum = sum.Add(e.Delta)
		}
	}
	return sum
}

// --- metadata ---

func (s *state) insertMetadata(m ledger.Metadata) ledger.MetadataID {
	s.seq.metadata++
	m.ID = ledger.MetadataID(s.seq.metadata)
	s.metadata[m.ID] = m
	return m.ID
}

func (s *state) getMetadata(id ledger.MetadataID) (ledger.Metadata, error) {
	m, ok := s.metadata[id]
	if !ok {
		return ledger.Metadata{}, ledger.ErrMetadataNotFound
	}
	return m, nil
}

// deleteMetadata mirrors ON DELETE SET NULL on entries.metadata_id.
func (s *state) deleteMetadata(id ledger.MetadataID) error {
	if _, ok := s.metadata[id]; !ok {
		return ledger.ErrMetadataNotFound
	}
	delete(s.metadata, id)
	for eid, e := range s.entries {
		if e.MetadataID != nil && *e.MetadataID == id {
			e.MetadataID = nil
			s.entries[eid] = e
		}
	}
	return nil
}

func (s *state) findMetadata(kind ledger.MetadataKind, arg int64) []ledger.Metadata {
	var out []ledger.Metadata
	for _, m := range s.metadata {
		if m.Kind == kind && m.Arg == arg {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) insertLink(l ledger.TransferLink) ledger.LinkID {
	s.seq.link++
	l.ID = ledger.LinkID(s.seq.link)
	s.links[l.ID] = l
	return l.ID
}

func (s *state) getLink(id ledger.LinkID) (ledger.TransferLink, error) {
	l, ok := s.links[id]
	if !ok {
		return ledger.TransferLink{}, ledger.ErrLinkNotFound
	}
	return l, nil
}

func (s *state) deleteLink(id ledger.LinkID) error {
	if _, ok := s.links[id]; !ok {
		return ledger.ErrLinkNotFound
	}
	delete(s.links, id)
	return nil
}

// --- directory ---

func (s *state) saveAccount(a ledger.Account) ledger.AccountID {
	if a.ID == 0 {
		s.seq.account++
		a.ID = ledger.AccountID(s.seq.account)
	}
	s.accounts[a.ID] = a
	return a.ID
}

func (s *state) saveTag(t ledger.Tag) ledger.TagID {
	if t.ID == 0 {
		s.seq.tag++
		t.ID = ledger.TagID(s.seq.tag)
	}
	s.tags[t.ID] = t
	return t.ID
}

func (s *state) accountCurrency(id ledger.AccountID) (ledger.CurrencyID, error) {
	a, ok := s.accounts[id]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return a.CurrencyID, nil
}

// --- accumulation ---

func (s *state) deleteAccumulation(owner ledger.OwnerID, source ledger.AccountID) error {
	cur, ok := s.accumulations[source]
	if !ok || cur.OwnerID != owner {
		return ledger.ErrAccumulationNotFound
	}
	delete(s.accumulations, source)
	return nil
}

func (s *state) listAccumulations(owner ledger.OwnerID) []ledger.AccumulationSetting {
	var out []ledger.AccumulationSetting
	for _, a := range s.accumulations {
		if a.OwnerID == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceAccountID < out[j].SourceAccountID })
	return out
}

// --- recurring ---

func (s *state) insertRule(r ledger.RecurringRule) ledger.RuleID {
	s.seq.rule++
	r.ID = ledger.RuleID(s.seq.rule)
	s.rules[r.ID] = r
	return r.ID
}

func (s *state) getRule(id ledger.RuleID) (ledger.RecurringRule, error) {
	r, ok := s.rules[id]
	if !ok {
		return ledger.RecurringRule{}, ledger.ErrRuleNotFound
	}
	return r, nil
}

func (s *state) updateRule(r ledger.RecurringRule) error {
	cur, ok := s.rules[r.ID]
	if !ok {
		return ledger.ErrRuleNotFound
	}
	r.OwnerID = cur.OwnerID
	s.rules[r.ID] = r
	return nil
}

func (s *state) deleteRule(owner ledger.OwnerID, id ledger.RuleID) error {
	cur, ok := s.rules[id]
	if !ok || cur.OwnerID != owner {
		return ledger.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *state) listRules(owner ledger.OwnerID) []ledger.RecurringRule {
	var out []ledger.RecurringRule
	for _, r := range s.rules {
		if r.OwnerID == owner {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) dueRules(now time.Time) []ledger.RecurringRule {
	var out []ledger.RecurringRule
	for _, r := range s.rules {
		if !r.NextRepeat.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRepeat.Equal(out[j].NextRepeat) {
			return out[i].NextRepeat.Before(out[j].NextRepeat)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) advanceRule(id ledger.RuleID, prev, next time.Time) error {
	r, ok := s.rules[id]
	if !ok {
		return ledger.ErrRuleNotFound
	}
	if !r.NextRepeat.Equal(prev) {
		return ledger.ErrConcurrentModification
	}
	r.NextRepeat = next
	s.rules[id] = r
	return nil
}

func copyID(id *ledger.MetadataID) *ledger.MetadataID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// =============================================================================
// VIEW - ledger.Store over unlocked state
// =============================================================================

// view implements ledger.Store without locking. The caller holds the lock.
type view struct {
	st func() *state
}

func (v view) InsertEntry(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return v.st().insertEntry(e), nil
}

func (v view) GetEntry(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return v.st().getEntry(id)
}

func (v view) UpdateEntry(_ context.Context, e ledger.Entry) error {
	return v.st().updateEntry(e)
}

func (v view) SetEntryMetadata(_ context.Context, id ledger.EntryID, mid *ledger.MetadataID) error {
	return v.st().setEntryMetadata(id, mid)
}

func (v view) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	return v.st().deleteEntry(id)
}

func (v view) FindEntries(_ context.Context, owner ledger.OwnerID, offset, count int, f ledger.Filter) ([]ledger.Entry, error) {
	return v.st().findEntries(owner, offset, count, f), nil
}

func (v view) CountEntries(_ context.Context, owner ledger.OwnerID, f ledger.Filter) (int, error) {
	return len(v.st().matching(owner, f)), nil
}

func (v view) UserOwnsEntry(_ context.Context, owner ledger.OwnerID, id ledger.EntryID) (bool, error) {
	e, ok := v.st().entries[id]
	return ok && e.OwnerID == owner, nil
}

func (v view) AccountBalance(_ context.Context, account ledger.AccountID) (decimal.Decimal, error) {
	return v.st().accountBalance(account), nil
}

func (v view) InsertMetadata(_ context.Context, m ledger.Metadata) (ledger.MetadataID, error) {
	return v.st().insertMetadata(m), nil
}

func (v view) GetMetadata(_ context.Context, id ledger.MetadataID) (ledger.Metadata, error) {
	return v.st().getMetadata(id)
}

func (v view) DeleteMetadata(_ context.Context, id ledger.MetadataID) error {
	return v.st().deleteMetadata(id)
}

func (v view) FindMetadata(_ context.Context, kind ledger.MetadataKind, arg int64) ([]ledger.Metadata, error) {
	return v.st().findMetadata(kind, arg), nil
}

func (v view) InsertTransferLink(_ context.Context, l ledger.TransferLink) (ledger.LinkID, error) {
	return v.st().insertLink(l), nil
}

func (v view) GetTransferLink(_ context.Context, id ledger.LinkID) (ledger.TransferLink, error) {
	return v.st().getLink(id)
}

func (v view) DeleteTransferLink(_ context.Context, id ledger.LinkID) error {
	return v.st().deleteLink(id)
}

func (v view) SaveAccount(_ context.Context, a ledger.Account) (ledger.AccountID, error) {
	return v.st().saveAccount(a), nil
}

func (v view) SaveTag(_ context.Context, t ledger.Tag) (ledger.TagID, error) {
	return v.st().saveTag(t), nil
}

func (v view) AccountCurrency(_ context.Context, id ledger.AccountID) (ledger.CurrencyID, error) {
	return v.st().accountCurrency(id)
}

func (v view) UserOwnsAccount(_ context.Context, owner ledger.OwnerID, id ledger.AccountID) (bool, error) {
	a, ok := v.st().accounts[id]
	return ok && a.OwnerID == owner, nil
}

func (v view) UserOwnsTag(_ context.Context, owner ledger.OwnerID, id ledger.TagID) (bool, error) {
	t, ok := v.st().tags[id]
	return ok && t.OwnerID == owner, nil
}

func (v view) UpsertAccumulation(_ context.Context, a ledger.AccumulationSetting) error {
	a.Steps = append([]ledger.AccumulationStep(nil), a.Steps...)
	v.st().accumulations[a.SourceAccountID] = a
	return nil
}

func (v view) GetAccumulation(_ context.Context, source ledger.AccountID) (*ledger.AccumulationSetting, error) {
	a, ok := v.st().accumulations[source]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (v view) ListAccumulations(_ context.Context, owner ledger.OwnerID) ([]ledger.AccumulationSetting, error) {
	return v.st().listAccumulations(owner), nil
}

func (v view) DeleteAccumulation(_ context.Context, owner ledger.OwnerID, source ledger.AccountID) error {
	return v.st().deleteAccumulation(owner, source)
}

func (v view) InsertRule(_ context.Context, r ledger.RecurringRule) (ledger.RuleID, error) {
	return v.st().insertRule(r), nil
}

func (v view) GetRule(_ context.Context, id ledger.RuleID) (ledger.RecurringRule, error) {
	return v.st().getRule(id)
}

func (v view) UpdateRule(_ context.Context, r ledger.RecurringRule) error {
	return v.st().updateRule(r)
}

func (v view) DeleteRule(_ context.Context, owner ledger.OwnerID, id ledger.RuleID) error {
	return v.st().deleteRule(owner, id)
}

func (v view) ListRules(_ context.Context, owner ledger.OwnerID) ([]ledger.RecurringRule, error) {
	return v.st().listRules(owner), nil
}

func (v view) DueRules(_ context.Context, now time.Time) ([]ledger.RecurringRule, error) {
	return v.st().dueRules(now), nil
}

func (v view) AdvanceRule(_ context.Context, id ledger.RuleID, prev, next time.Time) error {
	return v.st().advanceRule(id, prev, next)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// Memory is an in-memory ledger.TxStore for tests and local runs. Every call
// outside WithTx takes the lock for its own duration.
type Memory struct {
	mu sync.Mutex
	st *state
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.unlocked()); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) unlocked() view {
	return view{st: func() *state { return m.st }}
}

// locked runs fn against the unlocked view while holding the lock.
func locked[T any](m *Memory, fn func(view) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.unlocked())
}

func (m *Memory) exec(fn func(view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.unlocked())
}

func (m *Memory) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return locked(m, func(v view) (ledger.EntryID, error) { return v.InsertEntry(ctx, e) })
}

func (m *Memory) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return locked(m, func(v view) (ledger.Entry, error) { return v.GetEntry(ctx, id) })
}

func (m *Memory) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	return m.exec(func(v view) error { return v.UpdateEntry(ctx, e) })
}

func (m *Memory) SetEntryMetadata(ctx context.Context, id ledger.EntryID, mid *ledger.MetadataID) error {
	return m.exec(func(v view) error { return v.SetEntryMetadata(ctx, id, mid) })
}

func (m *Memory) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return m.exec(func(v view) error { return v.DeleteEntry(ctx, id) })
}

func (m *Memory) FindEntries(ctx context.Context, owner ledger.OwnerID, offset, count int, f ledger.Filter) ([]ledger.Entry, error) {
	return locked(m, func(v view) ([]ledger.Entry, error) { return v.FindEntries(ctx, owner, offset, count, f) })
}

func (m *Memory) CountEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) (int, error) {
	return locked(m, func(v view) (int, error) { return v.CountEntries(ctx, owner, f) })
}

func (m *Memory) UserOwnsEntry(ctx context.Context, owner ledger.OwnerID, id ledger.EntryID) (bool, error) {
	return locked(m, func(v view) (bool, error) { return v.UserOwnsEntry(ctx, owner, id) })
}

func (m *Memory) AccountBalance(ctx context.Context, account ledger.AccountID) (decimal.Decimal, error) {
	return locked(m, func(v view) (decimal.Decimal, error) { return v.AccountBalance(ctx, account) })
}

func (m *Memory) InsertMetadata(ctx context.Context, md ledger.Metadata) (ledger.MetadataID, error) {
	return locked(m, func(v view) (ledger.MetadataID, error) { return v.InsertMetadata(ctx, md) })
}

func (m *Memory) GetMetadata(ctx context.Context, id ledger.MetadataID) (ledger.Metadata, error) {
	return locked(m, func(v view) (ledger.Metadata, error) { return v.GetMetadata(ctx, id) })
}

func (m *Memory) DeleteMetadata(ctx context.Context, id ledger.MetadataID) error {
	return m.exec(func(v view) error { return v.DeleteMetadata(ctx, id) })
}

func (m *Memory) FindMetadata(ctx context.Context, kind ledger.MetadataKind, arg int64) ([]ledger.Metadata, error) {
	return locked(m, func(v view) ([]ledger.Metadata, error) { return v.FindMetadata(ctx, kind, arg) })
}

func (m *Memory) InsertTransferLink(ctx context.Context, l ledger.TransferLink) (ledger.LinkID, error) {
	return locked(m, func(v view) (ledger.LinkID, error) { return v.InsertTransferLink(ctx, l) })
}

func (m *Memory) GetTransferLink(ctx context.Context, id ledger.LinkID) (ledger.TransferLink, error) {
	return locked(m, func(v view) (ledger.TransferLink, error) { return v.GetTransferLink(ctx, id) })
}

func (m *Memory) DeleteTransferLink(ctx context.Context, id ledger.LinkID) error {
	return m.exec(func(v view) error { return v.DeleteTransferLink(ctx, id) })
}

func (m *Memory) SaveAccount(ctx context.Context, a ledger.Account) (ledger.AccountID, error) {
	return locked(m, func(v view) (ledger.AccountID, error) { return v.SaveAccount(ctx, a) })
}

func (m *Memory) SaveTag(ctx context.Context, t ledger.Tag) (ledger.TagID, error) {
	return locked(m, func(v view) (ledger.TagID, error) { return v.SaveTag(ctx, t) })
}

func (m *Memory) AccountCurrency(ctx context.Context, id ledger.AccountID) (ledger.CurrencyID, error) {
	return locked(m, func(v view) (ledger.CurrencyID, error) { return v.AccountCurrency(ctx, id) })
}

func (m *Memory) UserOwnsAccount(ctx context.Context, owner ledger.OwnerID, id ledger.AccountID) (bool, error) {
	return locked(m, func(v view) (bool, error) { return v.UserOwnsAccount(ctx, owner, id) })
}

func (m *Memory) UserOwnsTag(ctx context.Context, owner ledger.OwnerID, id ledger.TagID) (bool, error) {
	return locked(m, func(v view) (bool, error) { return v.UserOwnsTag(ctx, owner, id) })
}

func (m *Memory) UpsertAccumulation(ctx context.Context, a ledger.AccumulationSetting) error {
	return m.exec(func(v view) error { return v.UpsertAccumulation(ctx, a) })
}

func (m *Memory) GetAccumulation(ctx context.Context, source ledger.AccountID) (*ledger.AccumulationSetting, error) {
	return locked(m, func(v view) (*ledger.AccumulationSetting, error) { return v.GetAccumulation(ctx, source) })
}

func (m *Memory) ListAccumulations(ctx context.Context, owner ledger.OwnerID) ([]ledger.AccumulationSetting, error) {
	return locked(m, func(v view) ([]ledger.AccumulationSetting, error) { return v.ListAccumulations(ctx, owner) })
}

func (m *Memory) DeleteAccumulation(ctx context.Context, owner ledger.OwnerID, source ledger.AccountID) error {
	return m.exec(func(v view) error { return v.DeleteAccumulation(ctx, owner, source) })
}

func (m *Memory) InsertRule(ctx context.Context, r ledger.RecurringRule) (ledger.RuleID, error) {
	return locked(m, func(v view) (ledger.RuleID, error) { return v.InsertRule(ctx, r) })
}

func (m *Memory) GetRule(ctx context.Context, id ledger.RuleID) (ledger.RecurringRule, error) {
	return locked(m, func(v view) (ledger.RecurringRule, error) { return v.GetRule(ctx, id) })
}

func (m *Memory) UpdateRule(ctx context.Context, r ledger.RecurringRule) error {
	return m.exec(func(v view) error { return v.UpdateRule(ctx, r) })
}

func (m *Memory) DeleteRule(ctx context.Context, owner ledger.OwnerID, id ledger.RuleID) error {
	return m.exec(func(v view) error { return v.DeleteRule(ctx, owner, id) })
}

func (m *Memory) ListRules(ctx context.Context, owner ledger.OwnerID) ([]ledger.RecurringRule, error) {
	return locked(m, func(v view) ([]ledger.RecurringRule, error) { return v.ListRules(ctx, owner) })
}

func (m *Memory) DueRules(ctx context.Context, now time.Time) ([]ledger.RecurringRule, error) {
	return locked(m, func(v view) ([]ledger.RecurringRule, error) { return v.DueRules(ctx, now) })
}

func (m *Memory) AdvanceRule(ctx context.Context, id ledger.RuleID, prev, next time.Time) error {
	return m.exec(func(v view) error { return v.AdvanceRule(ctx, id, prev, next) })
}
