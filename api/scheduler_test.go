package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allowance-engine/billing"
	"github.com/warp/allowance-engine/billing/store"
)

func setupScheduler(t *testing.T) (*YearResetScheduler, *billing.FixedClock) {
	t.Helper()
	clock := billing.NewFixedClock(march2025)
	lc := billing.NewLifecycle(store.NewMemory())
	lc.Clock = clock

	ctx := context.Background()
	for _, id := range []billing.ClientID{"acme", "globex"} {
		_, err := lc.CreateClient(ctx, billing.CreateClientInput{
			ID:                   id,
			Name:                 string(id),
			AnnualAllowanceHours: billing.MustParseDecimal("10"),
		})
		require.NoError(t, err)
		_, err = lc.ResetYear(ctx, id)
		require.NoError(t, err)
	}
	return NewYearResetScheduler(lc, zerolog.Nop()), clock
}

func TestYearResetScheduler_RunNow(t *testing.T) {
	// GIVEN: Two clients already on 2025
	sched, clock := setupScheduler(t)

	// WHEN/THEN: Nothing to do within the year
	assert.Equal(t, 0, sched.RunNow())

	// WHEN/THEN: Both roll over once the year changes, exactly once
	clock.Set(time.Date(2026, time.January, 1, 0, 1, 0, 0, time.UTC))
	assert.Equal(t, 2, sched.RunNow())
	assert.Equal(t, 0, sched.RunNow())
}

func TestYearResetScheduler_StartStop(t *testing.T) {
	sched, clock := setupScheduler(t)
	clock.Set(time.Date(2026, time.January, 1, 0, 1, 0, 0, time.UTC))
	sched.Interval = time.Hour

	sched.Start()
	sched.Stop()

	// The immediate pass on start reset both clients.
	c, err := sched.Lifecycle.Store.GetClient(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, c.LastResetYear)
	assert.Equal(t, 2026, *c.LastResetYear)

	// Stop is safe to call twice
	sched.Stop()
}

func TestYearResetScheduler_Disabled(t *testing.T) {
	sched, _ := setupScheduler(t)
	sched.Enabled = false

	sched.Start()
	sched.Stop()
}

func TestYearResetScheduler_NextRollover(t *testing.T) {
	sched, _ := setupScheduler(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched.Lifecycle.Location = loc

	next := sched.NextRollover()

	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, loc), next)
}
