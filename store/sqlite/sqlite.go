/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Implements every persistence interface the ledger engine needs (entries,
  metadata, transfer links, directory, accumulation settings, recurring
  rules) on one SQLite database. In production the same schema maps onto
  PostgreSQL with minor dialect changes.

KEY TABLES:
  entries:               One row per money movement
  metadata:              Typed extension records (kind + arg)
  transfer_links:        Pairs the two legs of an internal transfer
  accounts, tags:        Minimal directory for ownership and currency
  accumulation_settings: One round-up rule per source account
  recurring_rules:       Templates advanced by compare-and-set

REFERENTIAL RULES:
  entries.metadata_id references metadata(id) ON DELETE SET NULL, so
  deleting a record detaches its entries instead of leaving them dangling.
  transfer_links has no foreign key on entries: the transfer worker deletes
  the legs before the link inside one transaction.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision), so lexical order is
  chronological and range filters run as plain string comparisons.

AMOUNTS:
  Stored as decimal text. Balances are summed in Go with shopspring/decimal,
  never with SQL SUM (which would go through floating point).

CONCURRENCY:
  The pool is capped at one connection. SQLite serializes writers anyway,
  and ":memory:" databases exist per connection, so a single connection
  keeps tests and production on the same code path. Calls made outside
  WithTx wait for the running transaction to finish.

USAGE:
  store, err := sqlite.New("./data/finance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  manager := ledger.NewManager(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/ledger"
)

// timeLayout is fixed width so stored values sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	repo
	db *sql.DB
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{repo: repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		currency_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	-- Metadata records shared by related entries
	CREATE TABLE IF NOT EXISTS metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		arg INTEGER NOT NULL DEFAULT 0
	);

	-- Marker lookups on transfer cancel
	CREATE INDEX IF NOT EXISTS idx_metadata_kind_arg ON metadata(kind, arg);

	CREATE TABLE IF NOT EXISTS transfer_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_entry_id INTEGER NOT NULL,
		to_entry_id INTEGER NOT NULL
	);

	-- Ledger entries
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		category_tag_id INTEGER NOT NULL DEFAULT 0,
		currency_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		delta TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata_id INTEGER REFERENCES metadata(id) ON DELETE SET NULL
	);

	-- Listing hot path
	CREATE INDEX IF NOT EXISTS idx_entries_owner_id
		ON entries(owner_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_owner_created
		ON entries(owner_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON entries(account_id);
	CREATE INDEX IF NOT EXISTS idx_entries_metadata
		ON entries(metadata_id) WHERE metadata_id IS NOT NULL;

	-- One round-up rule per source account
	CREATE TABLE IF NOT EXISTS accumulation_settings (
		source_account_id INTEGER PRIMARY KEY,
		target_account_id INTEGER NOT NULL,
		category_tag_id INTEGER NOT NULL DEFAULT 0,
		owner_id TEXT NOT NULL,
		steps_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accumulation_owner
		ON accumulation_settings(owner_id);

	-- Recurring rules
	CREATE TABLE IF NOT EXISTS recurring_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		category_tag_id INTEGER NOT NULL DEFAULT 0,
		account_id INTEGER NOT NULL,
		delta TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		repeat_kind TEXT NOT NULL,
		repeat_arg INTEGER NOT NULL DEFAULT 0,
		next_repeat TEXT NOT NULL,
		notification_mode TEXT NOT NULL DEFAULT 'default'
	);

	CREATE INDEX IF NOT EXISTS idx_recurring_next_repeat
		ON recurring_rules(next_repeat);
	CREATE INDEX IF NOT EXISTS idx_recurring_owner
		ON recurring_rules(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The Store
// handed to fn reads and writes through the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(repo{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements ledger.Store over a querier.
type repo struct {
	q querier
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const entryColumns = `id, owner_id, account_id, category_tag_id, currency_id,
	created_at, delta, description, metadata_id`

func (r repo) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO entries
		(owner_id, account_id, category_tag_id, currency_id, created_at, delta, description, metadata_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.OwnerID.String(), e.AccountID, e.CategoryTagID, e.CurrencyID,
		formatTime(e.CreatedAt), e.Delta.String(), e.Description, nullMetadataID(e.MetadataID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	return ledger.EntryID(id), err
}

func (r repo) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to query entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return scanEntry(rows)
}

func (r repo) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE entries SET
			account_id = ?, category_tag_id = ?, currency_id = ?,
			created_at = ?, delta = ?, description = ?
		WHERE id = ?
	`,
		e.AccountID, e.CategoryTagID, e.CurrencyID,
		formatTime(e.CreatedAt), e.Delta.String(), e.Description, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return expectRow(res, ledger.ErrEntryNotFound)
}

func (r repo) SetEntryMetadata(ctx context.Context, id ledger.EntryID, metadataID *ledger.MetadataID) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE entries SET metadata_id = ? WHERE id = ?",
		nullMetadataID(metadataID), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set entry metadata: %w", err)
	}
	return expectRow(res, ledger.ErrEntryNotFound)
}

func (r repo) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return expectRow(res, ledger.ErrEntryNotFound)
}

func (r repo) FindEntries(ctx context.Context, owner ledger.OwnerID, offset, count int, f ledger.Filter) ([]ledger.Entry, error) {
	where, args := entryFilter(owner, f)
	query := "SELECT " + entryColumns + " FROM entries WHERE " + where +
		" ORDER BY " + orderClause(f.Order) + " LIMIT ? OFFSET ?"
	args = append(args, count, offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r repo) CountEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) (int, error) {
	where, args := entryFilter(owner, f)
	var n int
	err := r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (r repo) UserOwnsEntry(ctx context.Context, owner ledger.OwnerID, id ledger.EntryID) (bool, error) {
	return r.exists(ctx, "SELECT COUNT(*) FROM entries WHERE id = ? AND owner_id = ?", id, owner.String())
}

// AccountBalance sums in Go to keep decimal precision.
func (r repo) AccountBalance(ctx context.Context, account ledger.AccountID) (decimal.Decimal, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT delta FROM entries WHERE account_id = ?", account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt delta %q: %w", raw, err)
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		owner      string
		createdAt  string
		delta      string
		metadataID sql.NullInt64
	)

	err := rows.Scan(
		&e.ID, &owner, &e.AccountID, &e.CategoryTagID, &e.CurrencyID,
		&createdAt, &delta, &e.Description, &metadataID,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.OwnerID, err = parseOwner(owner); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.Delta, err = decimal.NewFromString(delta); err != nil {
		return e, fmt.Errorf("corrupt delta %q on entry %d: %w", delta, e.ID, err)
	}
	if metadataID.Valid {
		mid := ledger.MetadataID(metadataID.Int64)
		e.MetadataID = &mid
	}
	return e, nil
}

// entryFilter renders f as a WHERE clause. Every set field is ANDed.
func entryFilter(owner ledger.OwnerID, f ledger.Filter) (string, []any) {
	clauses := []string{"owner_id = ?"}
	args := []any{owner.String()}

	in := func(column string, ids []int64) {
		if len(ids) == 0 {
			return
		}
		clauses = append(clauses, column+" IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	in("category_tag_id", int64s(f.TagIDs))
	in("account_id", int64s(f.AccountIDs))
	in("currency_id", int64s(f.CurrencyIDs))

	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.Description != "" {
		clauses = append(clauses, `LOWER(description) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(f.Description))+"%")
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func orderClause(o ledger.Order) string {
	switch o {
	case ledger.OrderCreatedAsc:
		return "created_at ASC, id ASC"
	case ledger.OrderCreatedDesc:
		return "created_at DESC, id DESC"
	default:
		return "id DESC"
	}
}

// =============================================================================
// METADATA STORE
// =============================================================================

func (r repo) InsertMetadata(ctx context.Context, m ledger.Metadata) (ledger.MetadataID, error) {
	res, err := r.q.ExecContext(ctx, "INSERT INTO metadata (kind, arg) VALUES (?, ?)", string(m.Kind), m.Arg)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metadata: %w", err)
	}
	id, err := res.LastInsertId()
	return ledger.MetadataID(id), err
}

func (r repo) GetMetadata(ctx context.Context, id ledger.MetadataID) (ledger.Metadata, error) {
	m := ledger.Metadata{ID: id}
	var kind string
	err := r.q.QueryRowContext(ctx, "SELECT kind, arg FROM metadata WHERE id = ?", id).Scan(&kind, &m.Arg)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Metadata{}, ledger.ErrMetadataNotFound
	}
	if err != nil {
		return ledger.Metadata{}, fmt.Errorf("failed to get metadata: %w", err)
	}
	m.Kind = ledger.MetadataKind(kind)
	return m, nil
}

// DeleteMetadata detaches referencing entries explicitly as well, so the
// result does not depend on the foreign_keys pragma.
func (r repo) DeleteMetadata(ctx context.Context, id ledger.MetadataID) error {
	if _, err := r.q.ExecContext(ctx, "UPDATE entries SET metadata_id = NULL WHERE metadata_id = ?", id); err != nil {
		return fmt.Errorf("failed to detach metadata: %w", err)
	}
	res, err := r.q.ExecContext(ctx, "DELETE FROM metadata WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return expectRow(res, ledger.ErrMetadataNotFound)
}

func (r repo) FindMetadata(ctx context.Context, kind ledger.MetadataKind, arg int64) ([]ledger.Metadata, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT id FROM metadata WHERE kind = ? AND arg = ? ORDER BY id", string(kind), arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	var out []ledger.Metadata
	for rows.Next() {
		m := ledger.Metadata{Kind: kind, Arg: arg}
		if err := rows.Scan(&m.ID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r repo) InsertTransferLink(ctx context.Context, l ledger.TransferLink) (ledger.LinkID, error) {
	res, err := r.q.ExecContext(ctx,
		"INSERT INTO transfer_links (from_entry_id, to_entry_id) VALUES (?, ?)",
		l.FromEntryID, l.ToEntryID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transfer link: %w", err)
	}
	id, err := res.LastInsertId()
	return ledger.LinkID(id), err
}

func (r repo) GetTransferLink(ctx context.Context, id ledger.LinkID) (ledger.TransferLink, error) {
	l := ledger.TransferLink{ID: id}
	err := r.q.QueryRowContext(ctx,
		"SELECT from_entry_id, to_entry_id FROM transfer_links WHERE id = ?", id,
	).Scan(&l.FromEntryID, &l.ToEntryID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TransferLink{}, ledger.ErrLinkNotFound
	}
	if err != nil {
		return ledger.TransferLink{}, fmt.Errorf("failed to get transfer link: %w", err)
	}
	return l, nil
}

func (r repo) DeleteTransferLink(ctx context.Context, id ledger.LinkID) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM transfer_links WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer link: %w", err)
	}
	return expectRow(res, ledger.ErrLinkNotFound)
}

// =============================================================================
// DIRECTORY STORE
// =============================================================================

// SaveAccount inserts a new account when a.ID is zero and upserts otherwise.
func (r repo) SaveAccount(ctx context.Context, a ledger.Account) (ledger.AccountID, error) {
	if a.ID == 0 {
		res, err := r.q.ExecContext(ctx,
			"INSERT INTO accounts (owner_id, currency_id, name) VALUES (?, ?, ?)",
			a.OwnerID.String(), a.CurrencyID, a.Name)
		if err != nil {
			return 0, fmt.Errorf("failed to insert account: %w", err)
		}
		id, err := res.LastInsertId()
		return ledger.AccountID(id), err
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, currency_id, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			currency_id = excluded.currency_id,
			name = excluded.name
	`, a.ID, a.OwnerID.String(), a.CurrencyID, a.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to save account: %w", err)
	}
	return a.ID, nil
}

// SaveTag inserts a new tag when t.ID is zero and upserts otherwise.
func (r repo) SaveTag(ctx context.Context, t ledger.Tag) (ledger.TagID, error) {
	if t.ID == 0 {
		res, err := r.q.ExecContext(ctx,
			"INSERT INTO tags (owner_id, name) VALUES (?, ?)", t.OwnerID.String(), t.Name)
		if err != nil {
			return 0, fmt.Errorf("failed to insert tag: %w", err)
		}
		id, err := res.LastInsertId()
		return ledger.TagID(id), err
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tags (id, owner_id, name)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name
	`, t.ID, t.OwnerID.String(), t.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to save tag: %w", err)
	}
	return t.ID, nil
}

func (r repo) AccountCurrency(ctx context.Context, account ledger.AccountID) (ledger.CurrencyID, error) {
	var c ledger.CurrencyID
	err := r.q.QueryRowContext(ctx, "SELECT currency_id FROM accounts WHERE id = ?", account).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account currency: %w", err)
	}
	return c, nil
}

func (r repo) UserOwnsAccount(ctx context.Context, owner ledger.OwnerID, account ledger.AccountID) (bool, error) {
	return r.exists(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ? AND owner_id = ?", account, owner.String())
}

func (r repo) UserOwnsTag(ctx context.Context, owner ledger.OwnerID, tag ledger.TagID) (bool, error) {
	return r.exists(ctx, "SELECT COUNT(*) FROM tags WHERE id = ? AND owner_id = ?", tag, owner.String())
}

// =============================================================================
// ACCUMULATION STORE
// =============================================================================

func (r repo) UpsertAccumulation(ctx context.Context, a ledger.AccumulationSetting) error {
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO accumulation_settings
		(source_account_id, target_account_id, category_tag_id, owner_id, steps_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_account_id) DO UPDATE SET
			target_account_id = excluded.target_account_id,
			category_tag_id = excluded.category_tag_id,
			owner_id = excluded.owner_id,
			steps_json = excluded.steps_json
	`, a.SourceAccountID, a.TargetAccountID, a.CategoryTagID, a.OwnerID.String(), string(steps))
	if err != nil {
		return fmt.Errorf("failed to upsert accumulation: %w", err)
	}
	return nil
}

const accumulationColumns = "source_account_id, target_account_id, category_tag_id, owner_id, steps_json"

func (r repo) GetAccumulation(ctx context.Context, source ledger.AccountID) (*ledger.AccumulationSetting, error) {
	settings, err := r.queryAccumulations(ctx,
		"SELECT "+accumulationColumns+" FROM accumulation_settings WHERE source_account_id = ?", source)
	if err != nil || len(settings) == 0 {
		return nil, err
	}
	return &settings[0], nil
}

func (r repo) ListAccumulations(ctx context.Context, owner ledger.OwnerID) ([]ledger.AccumulationSetting, error) {
	return r.queryAccumulations(ctx,
		"SELECT "+accumulationColumns+" FROM accumulation_settings WHERE owner_id = ? ORDER BY source_account_id",
		owner.String())
}

func (r repo) DeleteAccumulation(ctx context.Context, owner ledger.OwnerID, source ledger.AccountID) error {
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM accumulation_settings WHERE source_account_id = ? AND owner_id = ?",
		source, owner.String())
	if err != nil {
		return fmt.Errorf("failed to delete accumulation: %w", err)
	}
	return expectRow(res, ledger.ErrAccumulationNotFound)
}

func (r repo) queryAccumulations(ctx context.Context, query string, args ...any) ([]ledger.AccumulationSetting, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accumulations: %w", err)
	}
	defer rows.Close()

	var out []ledger.AccumulationSetting
	for rows.Next() {
		var (
			a     ledger.AccumulationSetting
			owner string
			steps string
		)
		if err := rows.Scan(&a.SourceAccountID, &a.TargetAccountID, &a.CategoryTagID, &owner, &steps); err != nil {
			return nil, fmt.Errorf("failed to scan accumulation: %w", err)
		}
		if a.OwnerID, err = parseOwner(owner); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(steps), &a.Steps); err != nil {
			return nil, fmt.Errorf("corrupt steps for account %d: %w", a.SourceAccountID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// RECURRING STORE
// =============================================================================

const ruleColumns = `id, owner_id, category_tag_id, account_id, delta, description,
	repeat_kind, repeat_arg, next_repeat, notification_mode`

func (r repo) InsertRule(ctx context.Context, rule ledger.RecurringRule) (ledger.RuleID, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO recurring_rules
		(owner_id, category_tag_id, account_id, delta, description,
		 repeat_kind, repeat_arg, next_repeat, notification_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.OwnerID.String(), rule.CategoryTagID, rule.AccountID, rule.Delta.String(), rule.Description,
		string(rule.RepeatKind), rule.RepeatArg, formatTime(rule.NextRepeat), notificationMode(rule.NotificationMode),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	return ledger.RuleID(id), err
}

func (r repo) GetRule(ctx context.Context, id ledger.RuleID) (ledger.RecurringRule, error) {
	rules, err := r.queryRules(ctx, "SELECT "+ruleColumns+" FROM recurring_rules WHERE id = ?", id)
	if err != nil {
		return ledger.RecurringRule{}, err
	}
	if len(rules) == 0 {
		return ledger.RecurringRule{}, ledger.ErrRuleNotFound
	}
	return rules[0], nil
}

func (r repo) UpdateRule(ctx context.Context, rule ledger.RecurringRule) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE recurring_rules SET
			category_tag_id = ?, account_id = ?, delta = ?, description = ?,
			repeat_kind = ?, repeat_arg = ?, next_repeat = ?, notification_mode = ?
		WHERE id = ?
	`,
		rule.CategoryTagID, rule.AccountID, rule.Delta.String(), rule.Description,
		string(rule.RepeatKind), rule.RepeatArg, formatTime(rule.NextRepeat), notificationMode(rule.NotificationMode),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return expectRow(res, ledger.ErrRuleNotFound)
}

func (r repo) DeleteRule(ctx context.Context, owner ledger.OwnerID, id ledger.RuleID) error {
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM recurring_rules WHERE id = ? AND owner_id = ?", id, owner.String())
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectRow(res, ledger.ErrRuleNotFound)
}

func (r repo) ListRules(ctx context.Context, owner ledger.OwnerID) ([]ledger.RecurringRule, error) {
	return r.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM recurring_rules WHERE owner_id = ? ORDER BY id", owner.String())
}

func (r repo) DueRules(ctx context.Context, now time.Time) ([]ledger.RecurringRule, error) {
	return r.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM recurring_rules WHERE next_repeat <= ? ORDER BY next_repeat, id",
		formatTime(now))
}

// AdvanceRule is a compare-and-set on next_repeat.
func (r repo) AdvanceRule(ctx context.Context, id ledger.RuleID, prev, next time.Time) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE recurring_rules SET next_repeat = ? WHERE id = ? AND next_repeat = ?",
		formatTime(next), id, formatTime(prev))
	if err != nil {
		return fmt.Errorf("failed to advance rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	found, err := r.exists(ctx, "SELECT COUNT(*) FROM recurring_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	if !found {
		return ledger.ErrRuleNotFound
	}
	return ledger.ErrConcurrentModification
}

func (r repo) queryRules(ctx context.Context, query string, args ...any) ([]ledger.RecurringRule, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []ledger.RecurringRule
	for rows.Next() {
		var (
			rule       ledger.RecurringRule
			owner      string
			delta      string
			kind       string
			nextRepeat string
			mode       string
		)
		err := rows.Scan(
			&rule.ID, &owner, &rule.CategoryTagID, &rule.AccountID, &delta, &rule.Description,
			&kind, &rule.RepeatArg, &nextRepeat, &mode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if rule.OwnerID, err = parseOwner(owner); err != nil {
			return nil, err
		}
		if rule.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, fmt.Errorf("corrupt delta %q on rule %d: %w", delta, rule.ID, err)
		}
		if rule.NextRepeat, err = parseTime(nextRepeat); err != nil {
			return nil, err
		}
		rule.RepeatKind = ledger.RepeatKind(kind)
		rule.NotificationMode = ledger.NotificationMode(mode)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Helper functions

func (r repo) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// expectRow maps "no row affected" to notFound.
func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseOwner(s string) (ledger.OwnerID, error) {
	id, err := ledger.ParseOwnerID(s)
	if err != nil {
		return ledger.OwnerID{}, fmt.Errorf("corrupt owner id %q: %w", s, err)
	}
	return id, nil
}

func nullMetadataID(id *ledger.MetadataID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func notificationMode(m ledger.NotificationMode) string {
	if m == "" {
		return string(ledger.NotifyDefault)
	}
	return string(m)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64s[T ~int64](ids []T) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
