// Package budget admits expensive-tier model calls against daily and
// monthly caps.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

// ErrExhausted is returned by Reserve when either the daily or the monthly
// cap is reached.
var ErrExhausted = errors.New("model budget exhausted")

// Manager reserves expensive-tier calls. Counters are keyed by UTC
// calendar period and a reservation increments the daily and monthly
// counters atomically before the model call is made. A crash after the
// reservation can only under-use the budget, never overrun it.
type Manager struct {
	counters store.Counters
	daily    int64
	monthly  int64
	now      func() time.Time
}

func NewManager(counters store.Counters, cfg *config.Config) *Manager {
	return &Manager{
		counters: counters,
		daily:    cfg.Budget.DailyLimit,
		monthly:  cfg.Budget.MonthlyLimit,
		now:      time.Now,
	}
}

func dailyKey(tier models.ModelTier, t time.Time) string {
	return fmt.Sprintf("%s-%s", tier, t.UTC().Format("2006-01-02"))
}

func monthlyKey(tier models.ModelTier, t time.Time) string {
	return fmt.Sprintf("%s-%s", tier, t.UTC().Format("2006-01"))
}

// Available reports whether one more expensive call currently fits the
// budget. It is advisory; Reserve is the authoritative check.
func (m *Manager) Available(ctx context.Context) (bool, error) {
	now := m.now()
	dk := dailyKey(models.TierExpensive, now)
	mk := monthlyKey(models.TierExpensive, now)
	usage, err := m.counters.Usage(ctx, dk, mk)
	if err != nil {
		return false, fmt.Errorf("failed to read model budget: %w", err)
	}
	return usage[dk] < m.daily && usage[mk] < m.monthly, nil
}

// Reserve books one expensive-tier call, incrementing both period counters
// atomically. Returns ErrExhausted without incrementing anything when
// either cap is already reached.
func (m *Manager) Reserve(ctx context.Context) error {
	now := m.now()
	limits := map[string]int64{
		dailyKey(models.TierExpensive, now):   m.daily,
		monthlyKey(models.TierExpensive, now): m.monthly,
	}
	if err := m.counters.Reserve(ctx, limits); err != nil {
		if errors.Is(err, store.ErrLimitReached) {
			return ErrExhausted
		}
		return fmt.Errorf("failed to reserve model budget: %w", err)
	}
	return nil
}
