package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-payouts/internal/domain"
)

type fakeLedger struct {
	mu    sync.Mutex
	txs   []domain.SettlementTransaction
	reads int
}

func (l *fakeLedger) ListCreatedBetween(_ context.Context, from, to time.Time) ([]domain.SettlementTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	var out []domain.SettlementTransaction
	for _, t := range l.txs {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *fakeLedger) Query(_ context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.SettlementTransaction
	for _, t := range l.txs {
		if t.RecipientID == recipientID && (status == "" || t.Status == status) {
			out = append(out, t)
		}
	}
	return out, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, false, errors.New("cache down")
	}
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.data[key] = value
	return nil
}

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func row(order string, role domain.RecipientRole, recipient, gross, net string, at time.Time) domain.SettlementTransaction {
	return domain.SettlementTransaction{
		ID:            order + "-" + recipient,
		OrderID:       order,
		EventType:     domain.StatusDelivered,
		RecipientID:   recipient,
		RecipientRole: role,
		Gross:         decimal.RequireFromString(gross),
		Net:           decimal.RequireFromString(net),
		Currency:      "USD",
		Status:        domain.TxCompleted,
		CreatedAt:     at,
	}
}

func reversal(t domain.SettlementTransaction, at time.Time) domain.SettlementTransaction {
	r := t
	r.ID = t.ID + "-rev"
	r.EventType = domain.StatusCancelled
	r.Gross = t.Gross.Neg()
	r.Net = t.Net.Neg()
	r.ReversalOf = t.ID
	r.CreatedAt = at
	return r
}

func sampleLedger() *fakeLedger {
	noon := day.Add(12 * time.Hour)
	o2r := row("o2", domain.RoleRestaurant, "r2", "10.00", "8.00", noon)
	o2p := row("o2", domain.RolePlatform, domain.PlatformRecipientID, "2.50", "2.00", noon)
	dead := row("o3", domain.RoleDriver, "d3", "50.00", "50.00", noon)
	dead.Status = domain.TxDeadLetter
	return &fakeLedger{txs: []domain.SettlementTransaction{
		row("o1", domain.RoleRestaurant, "r1", "30.00", "25.50", noon),
		row("o1", domain.RoleDriver, "d1", "9.00", "9.00", noon),
		row("o1", domain.RolePlatform, domain.PlatformRecipientID, "12.49", "4.50", noon),
		o2r, o2p,
		reversal(o2r, noon.Add(time.Hour)),
		reversal(o2p, noon.Add(time.Hour)),
		dead,
	}}
}

func TestEarningsRollup(t *testing.T) {
	agg := NewAggregator(sampleLedger(), nil, 0, "USD", nil)

	rep, err := agg.Earnings(context.Background(), day, day.AddDate(0, 0, 1), false)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Orders)
	assert.Equal(t, "46.99", rep.GrossBookings.StringFixed(2))
	assert.Equal(t, "25.50", rep.RestaurantNet.StringFixed(2))
	assert.Equal(t, "9.00", rep.DriverNet.StringFixed(2))
	assert.Equal(t, "13.50", rep.PlatformRevenue.StringFixed(2))
	assert.Equal(t, "9.00", rep.PlatformExpense.StringFixed(2))
	assert.Equal(t, "4.50", rep.Margin.StringFixed(2))
	assert.Equal(t, "0.3333", rep.MarginRate.StringFixed(4))
	assert.Equal(t, "-10.00", rep.Reversals.StringFixed(2))
	assert.Equal(t, "USD", rep.Currency)
}

func TestEarningsEmptyPeriod(t *testing.T) {
	agg := NewAggregator(sampleLedger(), nil, 0, "USD", nil)
	ctx := context.Background()

	rep, err := agg.Earnings(ctx, day.AddDate(0, 1, 0), day.AddDate(0, 1, 1), false)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Orders)
	assert.True(t, rep.MarginRate.IsZero())

	_, err = agg.Earnings(ctx, day, day, false)
	assert.Error(t, err)
}

func TestEarningsCache(t *testing.T) {
	ctx := context.Background()
	ledger := sampleLedger()
	cache := &mapCache{data: map[string][]byte{}}
	agg := NewAggregator(ledger, cache, time.Minute, "USD", nil)
	from, to := day, day.AddDate(0, 0, 1)

	first, err := agg.Earnings(ctx, from, to, false)
	require.NoError(t, err)
	second, err := agg.Earnings(ctx, from, to, false)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.reads)
	assert.True(t, first.Margin.Equal(second.Margin))

	_, err = agg.Earnings(ctx, from, to, true)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.reads, "refresh bypasses the cache")

	t.Run("cache outage falls back to the ledger", func(t *testing.T) {
		cache.fail = true
		rep, err := agg.Earnings(ctx, from, to, false)
		require.NoError(t, err)
		assert.Equal(t, "4.50", rep.Margin.StringFixed(2))
	})
}

func TestEarningsSeries(t *testing.T) {
	ledger := sampleLedger()
	ledger.txs = append(ledger.txs, row("o9", domain.RoleDriver, "d1", "7.00", "7.00", day.AddDate(0, 0, 8)))
	agg := NewAggregator(ledger, nil, 0, "USD", nil)
	ctx := context.Background()

	t.Run("weeks", func(t *testing.T) {
		// 2026-03-02 is a Monday
		reps, err := agg.Series(ctx, day, day.AddDate(0, 0, 14), PeriodWeek)
		require.NoError(t, err)
		require.Len(t, reps, 2)
		assert.Equal(t, 2, reps[0].Orders)
		assert.Equal(t, 1, reps[1].Orders)
		assert.Equal(t, "7.00", reps[1].DriverNet.StringFixed(2))
	})

	t.Run("days clipped to range", func(t *testing.T) {
		reps, err := agg.Series(ctx, day.Add(6*time.Hour), day.AddDate(0, 0, 2), PeriodDay)
		require.NoError(t, err)
		require.Len(t, reps, 2)
		assert.Equal(t, day.Add(6*time.Hour), reps[0].From)
		assert.Equal(t, day.AddDate(0, 0, 1), reps[0].To)
	})

	t.Run("months", func(t *testing.T) {
		reps, err := agg.Series(ctx, day, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), PeriodMonth)
		require.NoError(t, err)
		require.Len(t, reps, 2)
		assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), reps[0].To)
	})

	_, err := agg.Series(ctx, day, day.AddDate(0, 0, 1), "fortnight")
	assert.Error(t, err)
}

func TestRecipientEarnings(t *testing.T) {
	ledger := sampleLedger()
	settled := day.Add(20 * time.Hour)
	paid := row("o7", domain.RoleRestaurant, "r2", "20.00", "17.00", day.Add(2*time.Hour))
	paid.SettledAt = &settled
	ledger.txs = append(ledger.txs, paid)
	agg := NewAggregator(ledger, nil, 0, "USD", nil)

	out, err := agg.Recipient(context.Background(), "r2", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleRestaurant, out.Role)
	assert.Equal(t, 3, out.Transactions)
	assert.Equal(t, "17.00", out.Net.StringFixed(2))
	assert.Equal(t, "17.00", out.Settled.StringFixed(2))
	assert.True(t, out.Outstanding.IsZero())
}
