package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/store"
)

func newManager(t *testing.T, daily, monthly int64) (*Manager, *store.MemoryStore) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Budget.DailyLimit = daily
	cfg.Budget.MonthlyLimit = monthly
	s := store.NewMemoryStore()
	return NewManager(s, cfg), s
}

func TestReserveUntilDailyCap(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 2, 100)
	m.now = func() time.Time { return time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC) }

	ok, err := m.Available(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Reserve(ctx))
	require.NoError(t, m.Reserve(ctx))
	require.ErrorIs(t, m.Reserve(ctx), ErrExhausted)

	ok, err = m.Available(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDailyCounterRollsOverAtMidnightUTC(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 1, 100)

	now := time.Date(2026, 7, 15, 23, 59, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	require.NoError(t, m.Reserve(ctx))
	require.ErrorIs(t, m.Reserve(ctx), ErrExhausted)

	now = time.Date(2026, 7, 16, 0, 1, 0, 0, time.UTC)
	require.NoError(t, m.Reserve(ctx), "new day starts a fresh daily counter")
}

func TestMonthlyCapBindsAcrossDays(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 10, 2)

	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	require.NoError(t, m.Reserve(ctx))

	now = now.AddDate(0, 0, 1)
	require.NoError(t, m.Reserve(ctx))

	now = now.AddDate(0, 0, 1)
	require.ErrorIs(t, m.Reserve(ctx), ErrExhausted)

	now = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Reserve(ctx), "new month starts a fresh monthly counter")
}

func TestExhaustedReserveLeavesCountersUntouched(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t, 1, 1)
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Reserve(ctx))
	require.ErrorIs(t, m.Reserve(ctx), ErrExhausted)

	usage, err := s.Usage(ctx, "expensive-2026-07-15", "expensive-2026-07")
	require.NoError(t, err)
	require.Equal(t, int64(1), usage["expensive-2026-07-15"])
	require.Equal(t, int64(1), usage["expensive-2026-07"])
}
