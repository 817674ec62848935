/*
store.go - Persistence interfaces for clients, tasks, entries and movements

PURPOSE:
  Defines the boundary between the engine and the database. The lifecycle
  only ever writes through a Store handed to it by TxStore.WithTx, so the
  entry change, the ledger change and the movement record commit together
  or not at all.

CLIENT WRITES (compare-and-set):
  UpdateClient writes the row only if the stored Version still equals
  c.Version, then bumps it. A mismatch returns ErrConcurrentModification
  and the lifecycle re-runs read-split-apply on fresh state.

  Inside WithTx, GetClient takes a row lock where the backend supports it
  (PostgreSQL: SELECT ... FOR UPDATE), so conflicts are the exception.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and dev mode
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres:          PostgreSQL (pgx)
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Record persistence
// =============================================================================

type Store interface {
	// GetClient returns ErrClientNotFound if id is unknown.
	GetClient(ctx context.Context, id ClientID) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	CreateClient(ctx context.Context, c Client) error
	// UpdateClient compare-and-sets on c.Version and bumps it on success.
	UpdateClient(ctx context.Context, c *Client) error

	CreateTask(ctx context.Context, t Task) error
	// GetTask returns ErrTaskNotFound if id is unknown.
	GetTask(ctx context.Context, id TaskID) (*Task, error)

	CreateEntry(ctx context.Context, e TimeEntry) error
	// GetEntry returns ErrEntryNotFound if id is unknown.
	GetEntry(ctx context.Context, id EntryID) (*TimeEntry, error)
	UpdateEntry(ctx context.Context, e TimeEntry) error
	DeleteEntry(ctx context.Context, id EntryID) error
	ListEntriesByClient(ctx context.Context, clientID ClientID) ([]TimeEntry, error)

	// AppendMovement records a ledger change. Append-only.
	AppendMovement(ctx context.Context, m Movement) error
	ListMovements(ctx context.Context, clientID ClientID) ([]Movement, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// MOVEMENT LOG - Audit trail of ledger changes
// =============================================================================

type MovementReason string

const (
	MovementSettle MovementReason = "settle"
	MovementEdit   MovementReason = "edit"
	MovementDelete MovementReason = "delete"
	MovementReset  MovementReason = "year_reset"
	MovementRepair MovementReason = "repair"
)

// Movement records one change of a client's YearlyUsedHours. Delta is the
// requested delta; Before/After are the counter values around the change
// (After may differ from Before+Delta when Apply clamped at zero).
type Movement struct {
	ID        MovementID
	ClientID  ClientID
	EntryID   EntryID // empty for resets and repairs
	Reason    MovementReason
	Year      int
	Delta     decimal.Decimal
	Before    decimal.Decimal
	After     decimal.Decimal
	CreatedAt time.Time
}
