package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/domain"
)

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// LedgerReader is the read side of the payout ledger.
type LedgerReader interface {
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.SettlementTransaction, error)
	Query(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error)
}

type AggregatorInterface interface {
	Earnings(ctx context.Context, from, to time.Time, refresh bool) (domain.EarningsReport, error)
	Series(ctx context.Context, from, to time.Time, period Period) ([]domain.EarningsReport, error)
	Recipient(ctx context.Context, recipientID string, from, to time.Time) (domain.RecipientEarnings, error)
}

// Aggregator recomputes earnings from the ledger. The cache only saves work; a miss or a
// cache error falls back to the ledger.
type Aggregator struct {
	ledger   LedgerReader
	cache    Cache
	ttl      time.Duration
	currency string
	lg       *logger.Logger
	now      func() time.Time
}

func NewAggregator(ledger LedgerReader, cache Cache, ttl time.Duration, currency string, lg *logger.Logger) *Aggregator {
	if cache == nil {
		cache = NopCache{}
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Aggregator{ledger: ledger, cache: cache, ttl: ttl, currency: currency, lg: lg, now: time.Now}
}

func cacheKey(from, to time.Time) string {
	return fmt.Sprintf("reports:earnings:%d:%d", from.UTC().Unix(), to.UTC().Unix())
}

// Earnings covers entries created in [from, to).
func (a *Aggregator) Earnings(ctx context.Context, from, to time.Time, refresh bool) (domain.EarningsReport, error) {
	if !from.Before(to) {
		return domain.EarningsReport{}, fmt.Errorf("report period is empty: %s..%s", from, to)
	}
	key := cacheKey(from, to)
	if !refresh {
		if b, ok, err := a.cache.Get(ctx, key); err != nil {
			a.lg.Warn("report_cache_get_failed", map[string]any{"key": key, "error": err.Error()})
		} else if ok {
			var rep domain.EarningsReport
			if err := json.Unmarshal(b, &rep); err == nil {
				return rep, nil
			}
		}
	}

	txs, err := a.ledger.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return domain.EarningsReport{}, fmt.Errorf("read ledger: %w", err)
	}
	rep := a.build(from, to, txs)

	if a.ttl > 0 {
		if b, err := json.Marshal(rep); err == nil {
			if err := a.cache.Set(ctx, key, b, a.ttl); err != nil {
				a.lg.Warn("report_cache_set_failed", map[string]any{"key": key, "error": err.Error()})
			}
		}
	}
	return rep, nil
}

// Series splits [from, to) into day, week (Monday based) or month buckets in UTC.
func (a *Aggregator) Series(ctx context.Context, from, to time.Time, period Period) ([]domain.EarningsReport, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("report period is empty: %s..%s", from, to)
	}
	txs, err := a.ledger.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var out []domain.EarningsReport
	start := from.UTC()
	for start.Before(to) {
		end, err := bucketEnd(start, period)
		if err != nil {
			return nil, err
		}
		if end.After(to) {
			end = to.UTC()
		}
		var in []domain.SettlementTransaction
		for _, t := range txs {
			if !t.CreatedAt.Before(start) && t.CreatedAt.Before(end) {
				in = append(in, t)
			}
		}
		out = append(out, a.build(start, end, in))
		start = end
	}
	return out, nil
}

func bucketEnd(t time.Time, period Period) (time.Time, error) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case PeriodDay:
		return day.AddDate(0, 0, 1), nil
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, 7-offset), nil
	case PeriodMonth:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unknown report period %q", period)
}

// build rolls up ledger rows. Taxes and processing ride in the platform row between
// gross and net and are treated as pass-through, so:
//
//	revenue = platform net + driver net
//	expense = driver net
//	margin  = platform net
func (a *Aggregator) build(from, to time.Time, txs []domain.SettlementTransaction) domain.EarningsReport {
	rep := domain.EarningsReport{
		From:        from.UTC(),
		To:          to.UTC(),
		Currency:    a.currency,
		GeneratedAt: a.now().UTC(),
	}
	orders := map[string]struct{}{}
	var gross, restaurant, driver, platform, reversals decimal.Decimal
	for _, t := range txs {
		if t.Status == domain.TxDeadLetter {
			continue
		}
		if t.Currency != "" && rep.Currency == "" {
			rep.Currency = t.Currency
		}
		if t.ReversalOf == "" {
			orders[t.OrderID] = struct{}{}
		} else {
			reversals = reversals.Add(t.Net)
		}
		gross = gross.Add(t.Net)
		switch t.RecipientRole {
		case domain.RoleRestaurant:
			restaurant = restaurant.Add(t.Net)
		case domain.RoleDriver:
			driver = driver.Add(t.Net)
		case domain.RolePlatform:
			platform = platform.Add(t.Net)
			gross = gross.Add(t.Gross.Sub(t.Net))
		}
	}

	rep.Orders = len(orders)
	rep.GrossBookings = domain.RoundMoney(gross)
	rep.RestaurantNet = domain.RoundMoney(restaurant)
	rep.DriverNet = domain.RoundMoney(driver)
	rep.PlatformRevenue = domain.RoundMoney(platform.Add(driver))
	rep.PlatformExpense = domain.RoundMoney(driver)
	rep.Margin = domain.RoundMoney(platform)
	rep.Reversals = domain.RoundMoney(reversals)
	rep.MarginRate = decimal.Zero
	if !rep.PlatformRevenue.IsZero() {
		rep.MarginRate = rep.Margin.DivRound(rep.PlatformRevenue, 4)
	}
	return rep
}

// Recipient summarizes one payee's entries created in [from, to). Zero bounds mean unbounded.
func (a *Aggregator) Recipient(ctx context.Context, recipientID string, from, to time.Time) (domain.RecipientEarnings, error) {
	txs, err := a.ledger.Query(ctx, recipientID, "")
	if err != nil {
		return domain.RecipientEarnings{}, fmt.Errorf("read ledger: %w", err)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })

	out := domain.RecipientEarnings{
		RecipientID: recipientID,
		Gross:       decimal.Zero,
		Net:         decimal.Zero,
		Settled:     decimal.Zero,
	}
	for _, t := range txs {
		if (!from.IsZero() && t.CreatedAt.Before(from)) || (!to.IsZero() && !t.CreatedAt.Before(to)) {
			continue
		}
		if t.Status == domain.TxDeadLetter {
			continue
		}
		out.Role = t.RecipientRole
		out.Transactions++
		out.Gross = out.Gross.Add(t.Gross)
		out.Net = out.Net.Add(t.Net)
		if t.SettledAt != nil {
			out.Settled = out.Settled.Add(t.Net)
		}
	}
	out.Gross = domain.RoundMoney(out.Gross)
	out.Net = domain.RoundMoney(out.Net)
	out.Settled = domain.RoundMoney(out.Settled)
	out.Outstanding = out.Net.Sub(out.Settled)
	return out, nil
}
