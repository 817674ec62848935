/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists clients, tasks, time entries and the ledger movement log.
  Hours and money are stored as TEXT decimal strings so no precision is
  lost on the way through the driver.

KEY TABLES:
  clients:          allowance owner + ledger triple + version
  tasks:            work items, owning client
  time_entries:     tracked work and its billing split
  ledger_movements: append-only log of counter changes

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite has a single writer anyway.
  Client rows additionally carry a version column: UpdateClient is an
  UPDATE ... WHERE version = ? compare-and-set, so a write based on stale
  state fails with billing.ErrConcurrentModification instead of silently
  overwriting the counter.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  lifecycle := billing.NewLifecycle(store)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses goose with
  versioned migrations instead.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/allowance-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		annual_allowance_hours TEXT NOT NULL DEFAULT '0',
		yearly_used_hours TEXT NOT NULL DEFAULT '0',
		last_reset_year INTEGER,
		default_hourly_rate TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		title TEXT NOT NULL,
		hourly_rate TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_client
		ON tasks(client_id);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL,
		end_time TEXT,
		duration_minutes INTEGER,
		hourly_rate TEXT NOT NULL,
		allowance_hours TEXT NOT NULL DEFAULT '0',
		billable_hours TEXT NOT NULL DEFAULT '0',
		is_within_allowance BOOLEAN NOT NULL DEFAULT FALSE,
		billable_amount TEXT NOT NULL DEFAULT '0',
		developer_amount TEXT NOT NULL DEFAULT '0',
		billing_status TEXT NOT NULL DEFAULT 'PENDING',
		ledger_year INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: reconciliation and listing by client
	CREATE INDEX IF NOT EXISTS idx_time_entries_client_start
		ON time_entries(client_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_time_entries_status
		ON time_entries(billing_status);

	-- Append-only ledger movement log
	CREATE TABLE IF NOT EXISTS ledger_movements (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		entry_id TEXT,
		reason TEXT NOT NULL,
		year INTEGER NOT NULL,
		delta TEXT NOT NULL,
		before_hours TEXT NOT NULL,
		after_hours TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_movements_client
		ON ledger_movements(client_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements billing.Store over a querier. The caller holds the
// Store mutex.
type queries struct {
	q querier
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) reading() queries {
	s.mu.RLock()
	return queries{q: s.db}
}

func (s *Store) writing() queries {
	s.mu.Lock()
	return queries{q: s.db}
}

// =============================================================================
// CLIENT STORE
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id billing.ClientID) (*billing.Client, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.GetClient(ctx, id)
}

func (s *Store) ListClients(ctx context.Context) ([]billing.Client, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.ListClients(ctx)
}

func (s *Store) CreateClient(ctx context.Context, c billing.Client) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.CreateClient(ctx, c)
}

func (s *Store) UpdateClient(ctx context.Context, c *billing.Client) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.UpdateClient(ctx, c)
}

const clientColumns = `id, name, annual_allowance_hours, yearly_used_hours, last_reset_year,
	default_hourly_rate, version, created_at, updated_at`

func (q queries) GetClient(ctx context.Context, id billing.ClientID) (*billing.Client, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE id = ?", id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, billing.ErrClientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %w", id, err)
	}
	return c, nil
}

func (q queries) ListClients(ctx context.Context) ([]billing.Client, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+clientColumns+" FROM clients ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []billing.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func (q queries) CreateClient(ctx context.Context, c billing.Client) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO clients (id, name, annual_allowance_hours, yearly_used_hours, last_reset_year,
		                     default_hourly_rate, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		c.ID, c.Name,
		c.AnnualAllowanceHours.String(), c.YearlyUsedHours.String(),
		nullInt(c.LastResetYear), c.DefaultHourlyRate.String(),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return mapError(err, "client", string(c.ID))
}

// UpdateClient writes the ledger triple and allowance if the stored version
// still matches c.Version.
func (q queries) UpdateClient(ctx context.Context, c *billing.Client) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE clients SET
			name = ?,
			annual_allowance_hours = ?,
			yearly_used_hours = ?,
			last_reset_year = ?,
			default_hourly_rate = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		c.Name,
		c.AnnualAllowanceHours.String(), c.YearlyUsedHours.String(),
		nullInt(c.LastResetYear), c.DefaultHourlyRate.String(),
		formatTime(c.UpdatedAt),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update client %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update client %s: %w", c.ID, err)
	}
	if n == 0 {
		if _, err := q.GetClient(ctx, c.ID); err != nil {
			return err
		}
		return fmt.Errorf("client %s version %d: %w", c.ID, c.Version, billing.ErrConcurrentModification)
	}
	c.Version++
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*billing.Client, error) {
	var (
		c                     billing.Client
		allowance, used, rate string
		lastReset             sql.NullInt64
		createdAt, updatedAt  string
	)
	if err := row.Scan(&c.ID, &c.Name, &allowance, &used, &lastReset, &rate, &c.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var cols columns
	c.AnnualAllowanceHours = cols.decimal("annual_allowance_hours", allowance)
	c.YearlyUsedHours = cols.decimal("yearly_used_hours", used)
	c.DefaultHourlyRate = cols.decimal("default_hourly_rate", rate)
	c.LastResetYear = intPtr(lastReset)
	c.CreatedAt = cols.time("created_at", createdAt)
	c.UpdatedAt = cols.time("updated_at", updatedAt)
	if cols.err != nil {
		return nil, fmt.Errorf("corrupt client %s: %w", c.ID, cols.err)
	}
	return &c, nil
}

// =============================================================================
// TASK STORE
// =============================================================================

func (s *Store) CreateTask(ctx context.Context, t billing.Task) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.CreateTask(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id billing.TaskID) (*billing.Task, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.GetTask(ctx, id)
}

func (q queries) CreateTask(ctx context.Context, t billing.Task) error {
	var rate sql.NullString
	if t.HourlyRate != nil {
		rate = sql.NullString{String: t.HourlyRate.String(), Valid: true}
	}
	_, err := q.q.ExecContext(ctx,
		"INSERT INTO tasks (id, client_id, title, hourly_rate, created_at) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.ClientID, t.Title, rate, formatTime(t.CreatedAt),
	)
	return mapError(err, "task", string(t.ID))
}

func (q queries) GetTask(ctx context.Context, id billing.TaskID) (*billing.Task, error) {
	var (
		t         billing.Task
		rate      sql.NullString
		createdAt string
	)
	err := q.q.QueryRowContext(ctx,
		"SELECT id, client_id, title, hourly_rate, created_at FROM tasks WHERE id = ?", id,
	).Scan(&t.ID, &t.ClientID, &t.Title, &rate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, billing.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	var cols columns
	if rate.Valid {
		r := cols.decimal("hourly_rate", rate.String)
		t.HourlyRate = &r
	}
	t.CreatedAt = cols.time("created_at", createdAt)
	if cols.err != nil {
		return nil, fmt.Errorf("corrupt task %s: %w", id, cols.err)
	}
	return &t, nil
}

// =============================================================================
// TIME ENTRY STORE
// =============================================================================

func (s *Store) CreateEntry(ctx context.Context, e billing.TimeEntry) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.CreateEntry(ctx, e)
}

func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.GetEntry(ctx, id)
}

func (s *Store) UpdateEntry(ctx context.Context, e billing.TimeEntry) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.UpdateEntry(ctx, e)
}

func (s *Store) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.DeleteEntry(ctx, id)
}

func (s *Store) ListEntriesByClient(ctx context.Context, clientID billing.ClientID) ([]billing.TimeEntry, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.ListEntriesByClient(ctx, clientID)
}

const entryColumns = `id, task_id, client_id, description, start_time, end_time, duration_minutes,
	hourly_rate, allowance_hours, billable_hours, is_within_allowance, billable_amount,
	developer_amount, billing_status, ledger_year, created_at, updated_at`

func (q queries) CreateEntry(ctx context.Context, e billing.TimeEntry) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO time_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryArgs(e)...,
	)
	return mapError(err, "entry", string(e.ID))
}

func (q queries) UpdateEntry(ctx context.Context, e billing.TimeEntry) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE time_entries SET
			task_id = ?, client_id = ?, description = ?, start_time = ?, end_time = ?,
			duration_minutes = ?, hourly_rate = ?, allowance_hours = ?, billable_hours = ?,
			is_within_allowance = ?, billable_amount = ?, developer_amount = ?,
			billing_status = ?, ledger_year = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		append(entryArgs(e)[1:], e.ID)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", e.ID, billing.ErrEntryNotFound)
	}
	return nil
}

func (q queries) GetEntry(ctx context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM time_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	return e, nil
}

func (q queries) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM time_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	return nil
}

func (q queries) ListEntriesByClient(ctx context.Context, clientID billing.ClientID) ([]billing.TimeEntry, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM time_entries WHERE client_id = ? ORDER BY start_time ASC, created_at ASC",
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func entryArgs(e billing.TimeEntry) []any {
	var end sql.NullString
	if e.EndTime != nil {
		end = sql.NullString{String: formatTime(*e.EndTime), Valid: true}
	}
	var duration sql.NullInt64
	if e.DurationMinutes != nil {
		duration = sql.NullInt64{Int64: *e.DurationMinutes, Valid: true}
	}
	return []any{
		e.ID, e.TaskID, e.ClientID, e.Description,
		formatTime(e.StartTime), end, duration,
		e.HourlyRate.String(), e.AllowanceHours.String(), e.BillableHours.String(),
		e.IsWithinAllowance, e.BillableAmount.String(), e.DeveloperAmount.String(),
		string(e.BillingStatus), nullInt(e.LedgerYear),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	}
}

func scanEntry(row scanner) (*billing.TimeEntry, error) {
	var (
		e                                 billing.TimeEntry
		start, createdAt, updatedAt       string
		end                               sql.NullString
		duration, ledgerYear              sql.NullInt64
		rate, free, billable, amount, dev string
		status                            string
	)
	err := row.Scan(
		&e.ID, &e.TaskID, &e.ClientID, &e.Description,
		&start, &end, &duration,
		&rate, &free, &billable, &e.IsWithinAllowance, &amount, &dev,
		&status, &ledgerYear, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	var cols columns
	e.StartTime = cols.time("start_time", start)
	if end.Valid {
		t := cols.time("end_time", end.String)
		e.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		e.DurationMinutes = &d
	}
	e.HourlyRate = cols.decimal("hourly_rate", rate)
	e.AllowanceHours = cols.decimal("allowance_hours", free)
	e.BillableHours = cols.decimal("billable_hours", billable)
	e.BillableAmount = cols.decimal("billable_amount", amount)
	e.DeveloperAmount = cols.decimal("developer_amount", dev)
	e.BillingStatus = billing.BillingStatus(status)
	e.LedgerYear = intPtr(ledgerYear)
	e.CreatedAt = cols.time("created_at", createdAt)
	e.UpdatedAt = cols.time("updated_at", updatedAt)
	if cols.err != nil {
		return nil, fmt.Errorf("corrupt entry %s: %w", e.ID, cols.err)
	}
	return &e, nil
}

// =============================================================================
// MOVEMENT LOG (append-only)
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m billing.Movement) error {
	q := s.writing()
	defer s.mu.Unlock()
	return q.AppendMovement(ctx, m)
}

func (s *Store) ListMovements(ctx context.Context, clientID billing.ClientID) ([]billing.Movement, error) {
	q := s.reading()
	defer s.mu.RUnlock()
	return q.ListMovements(ctx, clientID)
}

func (q queries) AppendMovement(ctx context.Context, m billing.Movement) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO ledger_movements
		(id, client_id, entry_id, reason, year, delta, before_hours, after_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ClientID, nullString(string(m.EntryID)), string(m.Reason), m.Year,
		m.Delta.String(), m.Before.String(), m.After.String(), formatTime(m.CreatedAt),
	)
	return mapError(err, "movement", string(m.ID))
}

func (q queries) ListMovements(ctx context.Context, clientID billing.ClientID) ([]billing.Movement, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, client_id, entry_id, reason, year, delta, before_hours, after_hours, created_at
		FROM ledger_movements
		WHERE client_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []billing.Movement
	for rows.Next() {
		var (
			m                        billing.Movement
			entryID                  sql.NullString
			reason                   string
			delta, before, after, at string
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &entryID, &reason, &m.Year, &delta, &before, &after, &at); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.EntryID = billing.EntryID(entryID.String)
		m.Reason = billing.MovementReason(reason)
		var cols columns
		m.Delta = cols.decimal("delta", delta)
		m.Before = cols.decimal("before_hours", before)
		m.After = cols.decimal("after_hours", after)
		m.CreatedAt = cols.time("created_at", at)
		if cols.err != nil {
			return nil, fmt.Errorf("corrupt movement %s: %w", m.ID, cols.err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError converts driver errors to billing errors.
func mapError(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%s %s: %w", entity, id, billing.ErrClientNotFound)
		}
		return fmt.Errorf("%s %s: %w", entity, id, billing.ErrAlreadyExists)
	}
	return fmt.Errorf("failed to write %s %s: %w", entity, id, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// columns decodes text columns and keeps the first failure.
type columns struct {
	err error
}

func (c *columns) time(name, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return t
}

func (c *columns) decimal(name, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return d
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ billing.TxStore = (*Store)(nil)
