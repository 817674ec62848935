package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allowance-engine/billing"
	"github.com/warp/allowance-engine/store/sqlite"
)

var march2025 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return billing.MustParseDecimal(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLifecycle(t *testing.T, s *sqlite.Store) *billing.Lifecycle {
	t.Helper()
	lc := billing.NewLifecycle(s)
	lc.Clock = billing.NewFixedClock(march2025)
	return lc
}

func seedClient(t *testing.T, lc *billing.Lifecycle, id, allowance string) {
	t.Helper()
	ctx := context.Background()
	_, err := lc.CreateClient(ctx, billing.CreateClientInput{
		ID:                   billing.ClientID(id),
		Name:                 id,
		AnnualAllowanceHours: dec(allowance),
		DefaultHourlyRate:    dec("50"),
	})
	require.NoError(t, err)
	_, err = lc.CreateTask(ctx, billing.CreateTaskInput{
		ID:       billing.TaskID(id + "-task"),
		ClientID: billing.ClientID(id),
		Title:    "Support",
	})
	require.NoError(t, err)
}

func settle(t *testing.T, lc *billing.Lifecycle, clientID, entryID string, minutes int64) *billing.TimeEntry {
	t.Helper()
	ctx := context.Background()
	_, err := lc.Start(ctx, billing.StartInput{
		ID:        billing.EntryID(entryID),
		TaskID:    billing.TaskID(clientID + "-task"),
		StartTime: march2025,
	})
	require.NoError(t, err)
	e, err := lc.Settle(ctx, billing.SettleInput{EntryID: billing.EntryID(entryID), DurationMinutes: &minutes})
	require.NoError(t, err)
	return e
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_ClientRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	year := 2025

	err := s.CreateClient(ctx, billing.Client{
		ID:                   "acme",
		Name:                 "Acme",
		AnnualAllowanceHours: dec("12.5"),
		YearlyUsedHours:      dec("1.25"),
		LastResetYear:        &year,
		DefaultHourlyRate:    dec("95.50"),
		CreatedAt:            march2025,
		UpdatedAt:            march2025,
	})
	require.NoError(t, err)

	c, err := s.GetClient(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Name)
	assert.True(t, dec("12.5").Equal(c.AnnualAllowanceHours))
	assert.True(t, dec("1.25").Equal(c.YearlyUsedHours))
	assert.True(t, dec("95.5").Equal(c.DefaultHourlyRate))
	require.NotNil(t, c.LastResetYear)
	assert.Equal(t, 2025, *c.LastResetYear)
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, march2025.Equal(c.CreatedAt))
}

func TestSQLite_DuplicateClient(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := billing.Client{ID: "acme", Name: "Acme", CreatedAt: march2025, UpdatedAt: march2025}

	require.NoError(t, s.CreateClient(ctx, c))
	err := s.CreateClient(ctx, c)

	assert.ErrorIs(t, err, billing.ErrAlreadyExists)
}

func TestSQLite_NotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetClient(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrClientNotFound)

	_, err = s.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrTaskNotFound)

	_, err = s.GetEntry(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrEntryNotFound)

	assert.ErrorIs(t, s.DeleteEntry(ctx, "nope"), billing.ErrEntryNotFound)
}

func TestSQLite_CorruptColumns_ReturnError(t *testing.T) {
	// GIVEN: a file-backed store with a settled entry
	path := filepath.Join(t.TempDir(), "billing.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	lc := newLifecycle(t, s)
	seedClient(t, lc, "acme", "10")
	settle(t, lc, "acme", "e1", 60)

	// AND: rows damaged behind the store's back
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec("UPDATE clients SET yearly_used_hours = 'garbage' WHERE id = 'acme'")
	require.NoError(t, err)
	_, err = raw.Exec("UPDATE time_entries SET start_time = 'yesterday' WHERE id = 'e1'")
	require.NoError(t, err)
	_, err = raw.Exec("UPDATE ledger_movements SET delta = 'NaN?' WHERE client_id = 'acme'")
	require.NoError(t, err)

	ctx := context.Background()

	// THEN: reads fail instead of returning zero values
	_, err = s.GetClient(ctx, "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yearly_used_hours")
	assert.False(t, billing.IsNotFound(err))

	_, err = s.GetEntry(ctx, "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_time")

	_, err = s.ListMovements(ctx, "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delta")

	// AND: the lifecycle refuses to build on the corrupt counter
	_, err = lc.Start(ctx, billing.StartInput{ID: "e2", TaskID: "acme-task", StartTime: march2025})
	assert.Error(t, err)
}

func TestSQLite_UpdateClient_VersionMismatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, billing.Client{ID: "acme", Name: "Acme", CreatedAt: march2025, UpdatedAt: march2025}))

	// GIVEN: two readers of the same version
	a, err := s.GetClient(ctx, "acme")
	require.NoError(t, err)
	b, err := s.GetClient(ctx, "acme")
	require.NoError(t, err)

	// WHEN: both write
	a.YearlyUsedHours = dec("3")
	require.NoError(t, s.UpdateClient(ctx, a))
	b.YearlyUsedHours = dec("4")
	err = s.UpdateClient(ctx, b)

	// THEN: the stale write is rejected and the first survives
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)
	assert.Equal(t, int64(2), a.Version)
	got, err := s.GetClient(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(got.YearlyUsedHours))
}

func TestSQLite_UpdateClient_Missing(t *testing.T) {
	s := newStore(t)

	err := s.UpdateClient(context.Background(), &billing.Client{ID: "ghost", Version: 1})

	assert.ErrorIs(t, err, billing.ErrClientNotFound)
}

func TestSQLite_TaskForUnknownClient(t *testing.T) {
	s := newStore(t)

	err := s.CreateTask(context.Background(), billing.Task{ID: "t1", ClientID: "ghost", Title: "x", CreatedAt: march2025})

	assert.ErrorIs(t, err, billing.ErrClientNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateClient(ctx, billing.Client{ID: "acme", Name: "Acme", CreatedAt: march2025, UpdatedAt: march2025}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetClient(ctx, "acme")
	assert.ErrorIs(t, err, billing.ErrClientNotFound)
}

// =============================================================================
// LIFECYCLE ON SQLITE
// =============================================================================

func TestSQLite_Lifecycle_SettleEditDelete(t *testing.T) {
	s := newStore(t)
	lc := newLifecycle(t, s)
	ctx := context.Background()
	seedClient(t, lc, "acme", "10")

	// GIVEN: 8h used, then a 5h entry
	settle(t, lc, "acme", "e1", 8*60)
	e := settle(t, lc, "acme", "e2", 5*60)

	// THEN: The partial split is persisted
	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, dec("2").Equal(got.AllowanceHours))
	assert.True(t, dec("3").Equal(got.BillableHours))
	assert.True(t, dec("150").Equal(got.BillableAmount))
	assert.Equal(t, billing.StatusPending, got.BillingStatus)
	require.NotNil(t, got.DurationMinutes)
	assert.Equal(t, int64(300), *got.DurationMinutes)
	require.NotNil(t, got.LedgerYear)
	assert.Equal(t, 2025, *got.LedgerYear)

	// WHEN: the 8h entry is shortened to 6h
	six := int64(6 * 60)
	_, err = lc.Edit(ctx, billing.EditInput{EntryID: "e1", DurationMinutes: &six})
	require.NoError(t, err)

	// AND: the 5h entry is deleted
	require.NoError(t, lc.Delete(ctx, "e2"))

	c, err := s.GetClient(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, dec("6").Equal(c.YearlyUsedHours), "got %s", c.YearlyUsedHours)

	rec, err := lc.Reconcile(ctx, "acme", false)
	require.NoError(t, err)
	assert.True(t, rec.Consistent())

	moves, err := s.ListMovements(ctx, "acme")
	require.NoError(t, err)
	reasons := make([]billing.MovementReason, 0, len(moves))
	for _, m := range moves {
		reasons = append(reasons, m.Reason)
	}
	assert.Equal(t, []billing.MovementReason{
		billing.MovementReset,
		billing.MovementSettle,
		billing.MovementSettle,
		billing.MovementEdit,
		billing.MovementEdit,
		billing.MovementDelete,
	}, reasons)
}

func TestSQLite_ListEntriesByClient_OrderedByStart(t *testing.T) {
	s := newStore(t)
	lc := newLifecycle(t, s)
	ctx := context.Background()
	seedClient(t, lc, "acme", "10")

	for i, id := range []string{"late", "early"} {
		_, err := lc.Start(ctx, billing.StartInput{
			ID:        billing.EntryID(id),
			TaskID:    "acme-task",
			StartTime: march2025.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	entries, err := s.ListEntriesByClient(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.EntryID("early"), entries[0].ID)
	assert.True(t, entries[0].Running())
}
