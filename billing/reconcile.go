/*
reconcile.go - Year rollover, usage reporting and counter reconciliation

PURPOSE:
  - ResetYear / ResetAll roll counters over even when a client has no
    traffic on January 1 (driven by api.YearResetScheduler).
  - Usage reports the current-year position without writing anything.
  - Reconcile checks the conservation invariant: YearlyUsedHours must
    equal the sum of AllowanceHours over settled entries of the current
    ledger year. Drift is reported and, on request, repaired through
    AllowanceLedger.Apply like any other change.
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// YEAR RESET
// =============================================================================

// ResetYear runs the yearly reset for one client. Returns whether the
// counter was reset.
func (l *Lifecycle) ResetYear(ctx context.Context, id ClientID) (bool, error) {
	var reset bool
	err := l.retry(ctx, &id, func(s Store) error {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			return err
		}
		year := c.Ledger().Year()
		if err := l.resetIfNewYear(ctx, s, c, l.now()); err != nil {
			return err
		}
		reset = c.Ledger().Year() != year
		if !reset {
			return nil
		}
		return s.UpdateClient(ctx, c)
	})
	return reset, err
}

// ResetAll runs ResetYear for every client. Failures for one client do not
// stop the others; they are joined into the returned error.
func (l *Lifecycle) ResetAll(ctx context.Context) (int, error) {
	clients, err := l.Store.ListClients(ctx)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, c := range clients {
		reset, err := l.ResetYear(ctx, c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.ID, err))
			continue
		}
		if reset {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// =============================================================================
// USAGE
// =============================================================================

// Usage is a client's allowance position for the current calendar year.
type Usage struct {
	Client          Client
	Year            int
	AllowanceHours  decimal.Decimal
	UsedHours       decimal.Decimal
	RemainingHours  decimal.Decimal
	BillableHours   decimal.Decimal // settled billable hours this year
	PendingBillable decimal.Decimal // billable amount not yet invoiced
}

// Usage reports the client's position as of now. A ledger that has not
// been reset yet this year is reported as reset; nothing is persisted.
func (l *Lifecycle) Usage(ctx context.Context, id ClientID) (*Usage, error) {
	c, err := l.Store.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := l.Store.ListEntriesByClient(ctx, id)
	if err != nil {
		return nil, err
	}

	view := *c
	ledger := view.Ledger()
	ledger.ResetIfNewYear(l.now())

	u := &Usage{
		Client:          *c,
		Year:            ledger.Year(),
		AllowanceHours:  view.AnnualAllowanceHours,
		UsedHours:       ledger.Used(),
		RemainingHours:  ledger.RemainingFreeHours(),
		BillableHours:   decimal.Zero,
		PendingBillable: decimal.Zero,
	}
	for _, e := range entries {
		if e.Running() {
			continue
		}
		if e.BillingStatus == StatusPending {
			u.PendingBillable = u.PendingBillable.Add(e.BillableAmount)
		}
		if e.LedgerYear != nil && *e.LedgerYear == u.Year {
			u.BillableHours = u.BillableHours.Add(e.BillableHours)
		}
	}
	return u, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares the recorded counter with the entries.
type Reconciliation struct {
	ClientID ClientID
	Year     int
	Recorded decimal.Decimal // YearlyUsedHours before any repair
	Expected decimal.Decimal // sum of AllowanceHours of current-year entries
	Drift    decimal.Decimal // Recorded - Expected
	Repaired bool
}

// Consistent reports whether the counter matches the entries.
func (r *Reconciliation) Consistent() bool {
	return r.Drift.IsZero()
}

// Reconcile checks the client's counter against its settled entries and,
// when repair is set, applies the correcting delta.
func (l *Lifecycle) Reconcile(ctx context.Context, id ClientID, repair bool) (*Reconciliation, error) {
	var out *Reconciliation
	err := l.retry(ctx, &id, func(s Store) error {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			return err
		}
		now := l.now()
		ledger := c.Ledger()
		year := ledger.Year()
		if err := l.resetIfNewYear(ctx, s, c, now); err != nil {
			return err
		}
		dirty := ledger.Year() != year

		entries, err := s.ListEntriesByClient(ctx, id)
		if err != nil {
			return err
		}
		expected := decimal.Zero
		for _, e := range entries {
			if e.Running() || e.LedgerYear == nil || *e.LedgerYear != ledger.Year() {
				continue
			}
			expected = expected.Add(e.AllowanceHours)
		}
		expected = SnapToMinute(expected)

		r := &Reconciliation{
			ClientID: id,
			Year:     ledger.Year(),
			Recorded: ledger.Used(),
			Expected: expected,
			Drift:    ledger.Used().Sub(expected),
		}
		if !r.Consistent() {
			l.Logger.Warn().
				Str("client_id", string(id)).
				Str("recorded", r.Recorded.String()).
				Str("expected", r.Expected.String()).
				Bool("repair", repair).
				Msg("allowance counter drift")
		}
		if repair && !r.Consistent() {
			if err := l.apply(ctx, s, c, "", MovementRepair, r.Drift.Neg(), now); err != nil {
				return err
			}
			r.Repaired = true
			dirty = true
		}
		if dirty {
			if err := s.UpdateClient(ctx, c); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	return out, err
}
