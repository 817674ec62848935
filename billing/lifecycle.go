/*
lifecycle.go - Settle / Edit / Delete orchestration

PURPOSE:
  Lifecycle is the only caller of AllowanceLedger. Each mutation loads the
  entry and its client inside one store transaction, resets the ledger if
  the calendar year rolled over, computes the split, applies the delta,
  and writes entry + client + movement together.

STATE MACHINE (billing-relevant states):
  RUNNING --Settle--> SETTLED --Edit--> SETTLED
                         |
                         +----Delete--> (removed)

  There is no way back to RUNNING.

LEDGER EFFECTS:
  Settle: reset; remaining; split; Apply(+free)
  Edit:   reset; Apply(-prevFree); remaining; split; Apply(+newFree)
  Delete: Apply(-prevFree)

  prevFree is the AllowanceHours recorded on the entry. It is only
  reversed when the entry's LedgerYear is the ledger's current year:
  contributions from earlier years were already zeroed by the reset.

CONCURRENCY:
  Two mutations for the same client race on YearlyUsedHours. Stores
  compare-and-set the client row on Version (and PostgreSQL row-locks it),
  so a losing writer gets ErrConcurrentModification. The whole
  read-split-apply sequence is then re-run on fresh state, up to
  MaxRetries attempts. A delta is never silently dropped: exhausting the
  budget returns RetriesExhaustedError and nothing is committed.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultMaxRetries bounds conflict retries per mutation.
const DefaultMaxRetries = 3

// Lifecycle orchestrates ledger and calculator across entry mutations.
type Lifecycle struct {
	Store      TxStore
	Calculator *SplitCalculator
	Clock      Clock
	Location   *time.Location // calendar year boundary; nil = UTC
	MaxRetries int
	Logger     zerolog.Logger
	NewID      func() string
}

// NewLifecycle returns a Lifecycle with default calculator, system clock,
// UTC year boundary and DefaultMaxRetries.
func NewLifecycle(store TxStore) *Lifecycle {
	return &Lifecycle{
		Store:      store,
		Calculator: NewSplitCalculator(),
		Clock:      SystemClock,
		Location:   time.UTC,
		MaxRetries: DefaultMaxRetries,
		Logger:     zerolog.Nop(),
		NewID:      uuid.NewString,
	}
}

func (l *Lifecycle) now() time.Time {
	loc := l.Location
	if loc == nil {
		loc = time.UTC
	}
	return l.Clock.Now().In(loc)
}

// =============================================================================
// CLIENTS AND TASKS
// =============================================================================

// CreateClient creates a client with an untouched ledger.
func (l *Lifecycle) CreateClient(ctx context.Context, in CreateClientInput) (*Client, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = ClientID(l.NewID())
	}
	now := l.now()
	c := Client{
		ID:                   id,
		Name:                 in.Name,
		AnnualAllowanceHours: in.AnnualAllowanceHours,
		YearlyUsedHours:      decimal.Zero,
		DefaultHourlyRate:    in.DefaultHourlyRate,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := l.Store.CreateClient(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetAllowance changes a client's annual allowance. Settled entries keep
// their split; only future computations see the new allowance.
func (l *Lifecycle) SetAllowance(ctx context.Context, id ClientID, hours decimal.Decimal) (*Client, error) {
	if hours.IsNegative() {
		return nil, &InvalidInputError{Field: "annual_allowance_hours", Reason: "must not be negative"}
	}
	var out *Client
	err := l.retry(ctx, &id, func(s Store) error {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			return err
		}
		c.AnnualAllowanceHours = hours
		c.UpdatedAt = l.now()
		if err := s.UpdateClient(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// CreateTask creates a task under an existing client.
func (l *Lifecycle) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := l.Store.GetClient(ctx, in.ClientID); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = TaskID(l.NewID())
	}
	t := Task{ID: id, ClientID: in.ClientID, Title: in.Title, HourlyRate: in.HourlyRate, CreatedAt: l.now()}
	if err := l.Store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// START
// =============================================================================

// Start creates a running entry. The ledger is not touched until Settle.
func (l *Lifecycle) Start(ctx context.Context, in StartInput) (*TimeEntry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	task, err := l.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	client, err := l.Store.GetClient(ctx, task.ClientID)
	if err != nil {
		return nil, err
	}

	rate := client.DefaultHourlyRate
	switch {
	case in.HourlyRate != nil:
		rate = *in.HourlyRate
	case task.HourlyRate != nil:
		rate = *task.HourlyRate
	}

	now := l.now()
	start := in.StartTime
	if start.IsZero() {
		start = now
	}
	id := in.ID
	if id == "" {
		id = EntryID(l.NewID())
	}
	e := TimeEntry{
		ID:            id,
		TaskID:        task.ID,
		ClientID:      client.ID,
		Description:   in.Description,
		StartTime:     start,
		HourlyRate:    rate,
		BillingStatus: StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.Store.CreateEntry(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// SETTLE
// =============================================================================

// Settle stops a running entry, computes its split against the client's
// remaining allowance and applies the free hours to the ledger.
func (l *Lifecycle) Settle(ctx context.Context, in SettleInput) (*TimeEntry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *TimeEntry
	err := l.retryEntry(ctx, in.EntryID, func(s Store, entry *TimeEntry, client *Client) error {
		if !entry.Running() {
			return fmt.Errorf("entry %s already settled: %w", entry.ID, ErrInvalidState)
		}

		var minutes int64
		if in.DurationMinutes != nil {
			minutes = *in.DurationMinutes
		} else {
			m, err := WholeMinutesBetween(entry.StartTime, *in.EndTime)
			if err != nil {
				return err
			}
			minutes = m
			if err := validateDuration(&minutes); err != nil {
				return err
			}
		}

		now := l.now()
		ledger := client.Ledger()
		if err := l.resetIfNewYear(ctx, s, client, now); err != nil {
			return err
		}

		split, err := l.Calculator.Calculate(SplitInput{
			RemainingHours: ledger.RemainingFreeHours(),
			DurationHours:  HoursFromMinutes(minutes),
			HourlyRate:     entry.HourlyRate,
		})
		if err != nil {
			return err
		}

		if err := l.apply(ctx, s, client, entry.ID, MovementSettle, split.FreeHours, now); err != nil {
			return err
		}

		end := entry.StartTime.Add(time.Duration(minutes) * time.Minute)
		if in.EndTime != nil {
			end = *in.EndTime
		}
		entry.EndTime = &end
		entry.DurationMinutes = &minutes
		entry.applySplit(split, ledger.Year())
		entry.UpdatedAt = now

		if err := s.UpdateClient(ctx, client); err != nil {
			return err
		}
		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return err
		}

		l.Logger.Debug().
			Str("client_id", string(client.ID)).
			Str("entry_id", string(entry.ID)).
			Str("free_hours", split.FreeHours.String()).
			Str("billable_hours", split.BillableHours.String()).
			Str("yearly_used_hours", client.YearlyUsedHours.String()).
			Msg("entry settled")
		out = entry
		return nil
	})
	return out, err
}

// =============================================================================
// EDIT
// =============================================================================

// Edit re-settles an entry with a new duration and/or rate. The entry's
// previous contribution is reversed before the new split is computed, so
// the net ledger effect equals Apply(newFree - prevFree).
func (l *Lifecycle) Edit(ctx context.Context, in EditInput) (*TimeEntry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *TimeEntry
	err := l.retryEntry(ctx, in.EntryID, func(s Store, entry *TimeEntry, client *Client) error {
		if entry.Running() {
			return fmt.Errorf("entry %s is still running: %w", entry.ID, ErrInvalidState)
		}

		now := l.now()
		ledger := client.Ledger()
		if err := l.resetIfNewYear(ctx, s, client, now); err != nil {
			return err
		}
		if entry.LedgerYear != nil && *entry.LedgerYear < ledger.Year() {
			return fmt.Errorf("entry %s belongs to %d: %w", entry.ID, *entry.LedgerYear, ErrLedgerYearClosed)
		}

		minutes := *entry.DurationMinutes
		if in.DurationMinutes != nil {
			minutes = *in.DurationMinutes
		}
		rate := entry.HourlyRate
		if in.HourlyRate != nil {
			rate = *in.HourlyRate
		}

		if err := l.apply(ctx, s, client, entry.ID, MovementEdit, entry.AllowanceHours.Neg(), now); err != nil {
			return err
		}

		split, err := l.Calculator.Calculate(SplitInput{
			RemainingHours: ledger.RemainingFreeHours(),
			DurationHours:  HoursFromMinutes(minutes),
			HourlyRate:     rate,
		})
		if err != nil {
			return err
		}

		if err := l.apply(ctx, s, client, entry.ID, MovementEdit, split.FreeHours, now); err != nil {
			return err
		}

		if minutes != *entry.DurationMinutes {
			end := entry.StartTime.Add(time.Duration(minutes) * time.Minute)
			entry.EndTime = &end
		}
		entry.DurationMinutes = &minutes
		entry.HourlyRate = rate
		if in.Description != nil {
			entry.Description = *in.Description
		}
		entry.applySplit(split, ledger.Year())
		entry.UpdatedAt = now

		if err := s.UpdateClient(ctx, client); err != nil {
			return err
		}
		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return err
		}

		l.Logger.Debug().
			Str("client_id", string(client.ID)).
			Str("entry_id", string(entry.ID)).
			Str("free_hours", split.FreeHours.String()).
			Str("yearly_used_hours", client.YearlyUsedHours.String()).
			Msg("entry edited")
		out = entry
		return nil
	})
	return out, err
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes an entry and reverses its contribution to the ledger.
func (l *Lifecycle) Delete(ctx context.Context, id EntryID) error {
	if id == "" {
		return &InvalidInputError{Field: "entry_id", Reason: "required"}
	}
	return l.retryEntry(ctx, id, func(s Store, entry *TimeEntry, client *Client) error {
		ledger := client.Ledger()
		if !entry.Running() && entry.LedgerYear != nil && *entry.LedgerYear == ledger.Year() {
			if err := l.apply(ctx, s, client, entry.ID, MovementDelete, entry.AllowanceHours.Neg(), l.now()); err != nil {
				return err
			}
		}
		if err := s.UpdateClient(ctx, client); err != nil {
			return err
		}
		if err := s.DeleteEntry(ctx, entry.ID); err != nil {
			return err
		}

		l.Logger.Debug().
			Str("client_id", string(client.ID)).
			Str("entry_id", string(entry.ID)).
			Str("yearly_used_hours", client.YearlyUsedHours.String()).
			Msg("entry deleted")
		return nil
	})
}

// =============================================================================
// BILLING STATUS
// =============================================================================

// SetBillingStatus moves a settled entry through the invoicing workflow.
// The ledger is not affected. The entry is read under the client lock, so
// a concurrent Edit or Delete is either fully visible or not yet started.
func (l *Lifecycle) SetBillingStatus(ctx context.Context, id EntryID, next BillingStatus) (*TimeEntry, error) {
	if id == "" {
		return nil, &InvalidInputError{Field: "entry_id", Reason: "required"}
	}

	var out *TimeEntry
	err := l.retryEntry(ctx, id, func(s Store, entry *TimeEntry, _ *Client) error {
		if entry.Running() {
			return fmt.Errorf("entry %s is still running: %w", id, ErrInvalidState)
		}
		if !entry.BillingStatus.CanTransitionTo(next) {
			return fmt.Errorf("entry %s: %s -> %s: %w", id, entry.BillingStatus, next, ErrInvalidState)
		}
		if next == StatusPending && entry.IsWithinAllowance {
			return fmt.Errorf("entry %s has nothing billable: %w", id, ErrInvalidState)
		}
		entry.BillingStatus = next
		entry.UpdatedAt = l.now()
		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// =============================================================================
// LEDGER HELPERS
// =============================================================================

// resetIfNewYear resets the client's ledger and records the movement.
func (l *Lifecycle) resetIfNewYear(ctx context.Context, s Store, c *Client, now time.Time) error {
	ledger := c.Ledger()
	before := ledger.Used()
	if !ledger.ResetIfNewYear(now) {
		return nil
	}
	l.Logger.Info().
		Str("client_id", string(c.ID)).
		Int("year", ledger.Year()).
		Str("previous_used_hours", before.String()).
		Msg("allowance year reset")
	return s.AppendMovement(ctx, Movement{
		ID:        MovementID(l.NewID()),
		ClientID:  c.ID,
		Reason:    MovementReset,
		Year:      ledger.Year(),
		Delta:     before.Neg(),
		Before:    before,
		After:     ledger.Used(),
		CreatedAt: now,
	})
}

// apply applies delta to the client's ledger and records the movement.
// Zero deltas are not recorded.
func (l *Lifecycle) apply(ctx context.Context, s Store, c *Client, entryID EntryID, reason MovementReason, delta decimal.Decimal, now time.Time) error {
	if delta.IsZero() {
		return nil
	}
	ledger := c.Ledger()
	before := ledger.Used()
	ledger.Apply(delta)
	return s.AppendMovement(ctx, Movement{
		ID:        MovementID(l.NewID()),
		ClientID:  c.ID,
		EntryID:   entryID,
		Reason:    reason,
		Year:      ledger.Year(),
		Delta:     delta,
		Before:    before,
		After:     ledger.Used(),
		CreatedAt: now,
	})
}

// =============================================================================
// RETRY - Bounded re-run of read-split-apply on conflicts
// =============================================================================

func (l *Lifecycle) maxRetries() int {
	if l.MaxRetries < 1 {
		return DefaultMaxRetries
	}
	return l.MaxRetries
}

// retry runs fn in a fresh transaction until it succeeds, fails with a
// non-conflict error, or the retry budget is spent.
// clientID is read after each failed attempt, so fn may fill it in.
func (l *Lifecycle) retry(ctx context.Context, clientID *ClientID, fn func(Store) error) error {
	attempts := l.maxRetries()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := l.Store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		last = err
		l.Logger.Warn().
			Str("client_id", string(*clientID)).
			Int("attempt", attempt).
			Err(err).
			Msg("ledger update conflicted, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return &RetriesExhaustedError{ClientID: *clientID, Attempts: attempts, Last: last}
}

// retryEntry loads the entry and its owning client inside each attempt.
func (l *Lifecycle) retryEntry(ctx context.Context, id EntryID, fn func(Store, *TimeEntry, *Client) error) error {
	var clientID ClientID
	return l.retry(ctx, &clientID, func(s Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		clientID = entry.ClientID
		client, err := s.GetClient(ctx, clientID)
		if err != nil {
			return fmt.Errorf("entry %s: %w", id, err)
		}
		// Re-read under the client lock; the first read only located the client.
		if entry, err = s.GetEntry(ctx, id); err != nil {
			return err
		}
		return fn(s, entry, client)
	})
}
