// Package postgres implements billing.TxStore on PostgreSQL.
//
// Queries are built with squirrel and run through a Querier taken from the
// context, so the same code serves pool reads and transactional writes.
// Inside WithTx, GetClient takes a row lock (SELECT ... FOR UPDATE); the
// version compare-and-set in UpdateClient still guards writers that read the
// client outside a transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/allowance-engine/billing"
)

// Store provides billing persistence backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	tx   *TxManager
}

// New creates a new store over pool. Call Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, tx: NewTxManager(pool)}
}

// builder returns a squirrel builder with PostgreSQL placeholders.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// WithTx runs fn against a Store bound to one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		return fn(txView{s: s, txCtx: txCtx})
	})
}

// txView binds every call to the transaction carried by txCtx. The caller's
// ctx is only used for cancellation through txCtx.
type txView struct {
	s     *Store
	txCtx context.Context
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

var clientColumns = []string{
	"id", "name",
	"annual_allowance_hours::text", "yearly_used_hours::text", "last_reset_year",
	"default_hourly_rate::text", "version", "created_at", "updated_at",
}

// GetClient returns a client by id. Within a transaction the row is locked
// until commit.
func (s *Store) GetClient(ctx context.Context, id billing.ClientID) (*billing.Client, error) {
	query := builder().Select(clientColumns...).From("clients").Where(squirrel.Eq{"id": id})
	if inTx(ctx) {
		query = query.Suffix("FOR UPDATE")
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get client: %w", err)
	}

	c, err := scanClient(QuerierFromCtx(ctx, s.pool).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapError(err, "client", string(id), billing.ErrClientNotFound)
	}
	return c, nil
}

// ListClients returns all clients ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]billing.Client, error) {
	sql, args, err := builder().Select(clientColumns...).From("clients").OrderBy("name ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list clients: %w", err)
	}

	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := []billing.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// CreateClient inserts a client at version 1.
func (s *Store) CreateClient(ctx context.Context, c billing.Client) error {
	sql, args, err := builder().
		Insert("clients").
		Columns("id", "name", "annual_allowance_hours", "yearly_used_hours", "last_reset_year",
			"default_hourly_rate", "version", "created_at", "updated_at").
		Values(c.ID, c.Name, c.AnnualAllowanceHours.String(), c.YearlyUsedHours.String(), c.LastResetYear,
			c.DefaultHourlyRate.String(), 1, c.CreatedAt, c.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create client: %w", err)
	}

	_, err = QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	return mapError(err, "client", string(c.ID), billing.ErrClientNotFound)
}

// UpdateClient writes c if the stored version still equals c.Version and
// bumps c.Version on success.
func (s *Store) UpdateClient(ctx context.Context, c *billing.Client) error {
	sql, args, err := builder().
		Update("clients").
		Set("name", c.Name).
		Set("annual_allowance_hours", c.AnnualAllowanceHours.String()).
		Set("yearly_used_hours", c.YearlyUsedHours.String()).
		Set("last_reset_year", c.LastResetYear).
		Set("default_hourly_rate", c.DefaultHourlyRate.String()).
		Set("updated_at", c.UpdatedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": c.ID, "version": c.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update client: %w", err)
	}

	tag, err := QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err, "client", string(c.ID), billing.ErrClientNotFound)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetClient(ctx, c.ID); err != nil {
			return err
		}
		return fmt.Errorf("client %s version %d: %w", c.ID, c.Version, billing.ErrConcurrentModification)
	}
	c.Version++
	return nil
}

func scanClient(row pgx.Row) (*billing.Client, error) {
	var (
		c                     billing.Client
		allowance, used, rate string
	)
	err := row.Scan(&c.ID, &c.Name, &allowance, &used, &c.LastResetYear, &rate, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.AnnualAllowanceHours, err = decimal.NewFromString(allowance); err != nil {
		return nil, err
	}
	if c.YearlyUsedHours, err = decimal.NewFromString(used); err != nil {
		return nil, err
	}
	if c.DefaultHourlyRate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask inserts a task. An unknown client maps to ErrClientNotFound.
func (s *Store) CreateTask(ctx context.Context, t billing.Task) error {
	var rate *string
	if t.HourlyRate != nil {
		r := t.HourlyRate.String()
		rate = &r
	}

	sql, args, err := builder().
		Insert("tasks").
		Columns("id", "client_id", "title", "hourly_rate", "created_at").
		Values(t.ID, t.ClientID, t.Title, rate, t.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create task: %w", err)
	}

	_, err = QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	return mapError(err, "task", string(t.ID), billing.ErrClientNotFound)
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id billing.TaskID) (*billing.Task, error) {
	sql, args, err := builder().
		Select("id", "client_id", "title", "hourly_rate::text", "created_at").
		From("tasks").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get task: %w", err)
	}

	var (
		t    billing.Task
		rate *string
	)
	err = QuerierFromCtx(ctx, s.pool).QueryRow(ctx, sql, args...).Scan(&t.ID, &t.ClientID, &t.Title, &rate, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err, "task", string(id), billing.ErrTaskNotFound)
	}
	if rate != nil {
		r, err := decimal.NewFromString(*rate)
		if err != nil {
			return nil, fmt.Errorf("task %s rate: %w", id, err)
		}
		t.HourlyRate = &r
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Time entries
// ---------------------------------------------------------------------------

var entryColumns = []string{
	"id", "task_id", "client_id", "description", "start_time", "end_time", "duration_minutes",
	"hourly_rate::text", "allowance_hours::text", "billable_hours::text", "is_within_allowance",
	"billable_amount::text", "developer_amount::text", "billing_status", "ledger_year",
	"created_at", "updated_at",
}

func entryValues(e billing.TimeEntry) map[string]any {
	return map[string]any{
		"id":                  e.ID,
		"task_id":             e.TaskID,
		"client_id":           e.ClientID,
		"description":         e.Description,
		"start_time":          e.StartTime,
		"end_time":            e.EndTime,
		"duration_minutes":    e.DurationMinutes,
		"hourly_rate":         e.HourlyRate.String(),
		"allowance_hours":     e.AllowanceHours.String(),
		"billable_hours":      e.BillableHours.String(),
		"is_within_allowance": e.IsWithinAllowance,
		"billable_amount":     e.BillableAmount.String(),
		"developer_amount":    e.DeveloperAmount.String(),
		"billing_status":      string(e.BillingStatus),
		"ledger_year":         e.LedgerYear,
		"created_at":          e.CreatedAt,
		"updated_at":          e.UpdatedAt,
	}
}

// CreateEntry inserts a time entry.
func (s *Store) CreateEntry(ctx context.Context, e billing.TimeEntry) error {
	sql, args, err := builder().Insert("time_entries").SetMap(entryValues(e)).ToSql()
	if err != nil {
		return fmt.Errorf("build create entry: %w", err)
	}

	_, err = QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	return mapError(err, "entry", string(e.ID), billing.ErrTaskNotFound)
}

// GetEntry returns a time entry by id.
func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	sql, args, err := builder().Select(entryColumns...).From("time_entries").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get entry: %w", err)
	}

	e, err := scanEntry(QuerierFromCtx(ctx, s.pool).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapError(err, "entry", string(id), billing.ErrEntryNotFound)
	}
	return e, nil
}

// UpdateEntry overwrites a time entry.
func (s *Store) UpdateEntry(ctx context.Context, e billing.TimeEntry) error {
	values := entryValues(e)
	delete(values, "id")

	sql, args, err := builder().Update("time_entries").SetMap(values).Where(squirrel.Eq{"id": e.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update entry: %w", err)
	}

	tag, err := QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err, "entry", string(e.ID), billing.ErrEntryNotFound)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", e.ID, billing.ErrEntryNotFound)
	}
	return nil
}

// DeleteEntry removes a time entry.
func (s *Store) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	sql, args, err := builder().Delete("time_entries").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete entry: %w", err)
	}

	tag, err := QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err, "entry", string(id), billing.ErrEntryNotFound)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	return nil
}

// ListEntriesByClient returns a client's entries ordered by start time.
func (s *Store) ListEntriesByClient(ctx context.Context, clientID billing.ClientID) ([]billing.TimeEntry, error) {
	sql, args, err := builder().
		Select(entryColumns...).
		From("time_entries").
		Where(squirrel.Eq{"client_id": clientID}).
		OrderBy("start_time ASC", "created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list entries: %w", err)
	}

	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []billing.TimeEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*billing.TimeEntry, error) {
	var (
		e                                 billing.TimeEntry
		rate, free, billable, amount, dev string
		status                            string
	)
	err := row.Scan(
		&e.ID, &e.TaskID, &e.ClientID, &e.Description,
		&e.StartTime, &e.EndTime, &e.DurationMinutes,
		&rate, &free, &billable, &e.IsWithinAllowance, &amount, &dev,
		&status, &e.LedgerYear, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.HourlyRate, rate},
		{&e.AllowanceHours, free},
		{&e.BillableHours, billable},
		{&e.BillableAmount, amount},
		{&e.DeveloperAmount, dev},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}
	e.BillingStatus = billing.BillingStatus(status)
	return &e, nil
}

// ---------------------------------------------------------------------------
// Ledger movements
// ---------------------------------------------------------------------------

// AppendMovement appends to the movement log.
func (s *Store) AppendMovement(ctx context.Context, m billing.Movement) error {
	var entryID *string
	if m.EntryID != "" {
		id := string(m.EntryID)
		entryID = &id
	}

	sql, args, err := builder().
		Insert("ledger_movements").
		Columns("id", "client_id", "entry_id", "reason", "year", "delta", "before_hours", "after_hours", "created_at").
		Values(m.ID, m.ClientID, entryID, string(m.Reason), m.Year,
			m.Delta.String(), m.Before.String(), m.After.String(), m.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build append movement: %w", err)
	}

	_, err = QuerierFromCtx(ctx, s.pool).Exec(ctx, sql, args...)
	return mapError(err, "movement", string(m.ID), billing.ErrClientNotFound)
}

// ListMovements returns a client's movements in append order.
func (s *Store) ListMovements(ctx context.Context, clientID billing.ClientID) ([]billing.Movement, error) {
	sql, args, err := builder().
		Select("id", "client_id", "COALESCE(entry_id, '')", "reason", "year",
			"delta::text", "before_hours::text", "after_hours::text", "created_at").
		From("ledger_movements").
		Where(squirrel.Eq{"client_id": clientID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list movements: %w", err)
	}

	rows, err := QuerierFromCtx(ctx, s.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	out := []billing.Movement{}
	for rows.Next() {
		var (
			m                    billing.Movement
			reason               string
			delta, before, after string
			createdAt            time.Time
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.EntryID, &reason, &m.Year, &delta, &before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Reason = billing.MovementReason(reason)
		m.CreatedAt = createdAt
		if m.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if m.Before, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if m.After, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Transaction-bound view
// ---------------------------------------------------------------------------

func (v txView) GetClient(_ context.Context, id billing.ClientID) (*billing.Client, error) {
	return v.s.GetClient(v.txCtx, id)
}

func (v txView) ListClients(_ context.Context) ([]billing.Client, error) {
	return v.s.ListClients(v.txCtx)
}

func (v txView) CreateClient(_ context.Context, c billing.Client) error {
	return v.s.CreateClient(v.txCtx, c)
}

func (v txView) UpdateClient(_ context.Context, c *billing.Client) error {
	return v.s.UpdateClient(v.txCtx, c)
}

func (v txView) CreateTask(_ context.Context, t billing.Task) error {
	return v.s.CreateTask(v.txCtx, t)
}

func (v txView) GetTask(_ context.Context, id billing.TaskID) (*billing.Task, error) {
	return v.s.GetTask(v.txCtx, id)
}

func (v txView) CreateEntry(_ context.Context, e billing.TimeEntry) error {
	return v.s.CreateEntry(v.txCtx, e)
}

func (v txView) GetEntry(_ context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	return v.s.GetEntry(v.txCtx, id)
}

func (v txView) UpdateEntry(_ context.Context, e billing.TimeEntry) error {
	return v.s.UpdateEntry(v.txCtx, e)
}

func (v txView) DeleteEntry(_ context.Context, id billing.EntryID) error {
	return v.s.DeleteEntry(v.txCtx, id)
}

func (v txView) ListEntriesByClient(_ context.Context, clientID billing.ClientID) ([]billing.TimeEntry, error) {
	return v.s.ListEntriesByClient(v.txCtx, clientID)
}

func (v txView) AppendMovement(_ context.Context, m billing.Movement) error {
	return v.s.AppendMovement(v.txCtx, m)
}

func (v txView) ListMovements(_ context.Context, clientID billing.ClientID) ([]billing.Movement, error) {
	return v.s.ListMovements(v.txCtx, clientID)
}

var (
	_ billing.TxStore = (*Store)(nil)
	_ billing.Store   = txView{}
)
