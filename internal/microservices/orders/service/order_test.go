package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
	ledgerrepo "restaurant-payouts/internal/microservices/ledger/repository"
	ledgersvc "restaurant-payouts/internal/microservices/ledger/service"
	"restaurant-payouts/internal/microservices/orders/repository"
	pricingrepo "restaurant-payouts/internal/microservices/pricing/repository"
	pricingsvc "restaurant-payouts/internal/microservices/pricing/service"
	settlement "restaurant-payouts/internal/microservices/settlement/service"
)

type fakeSettler struct {
	mu    sync.Mutex
	calls []domain.OrderEvent
	err   error
}

func (f *fakeSettler) Settle(_ context.Context, o domain.OrderEvent) (settlement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, o)
	if f.err != nil {
		return settlement.Result{}, f.err
	}
	return settlement.Result{Created: true}, nil
}

func delivery(id string) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:      id,
		Kind:         domain.KindDelivery,
		RestaurantID: "rest-1",
		DriverID:     "drv-1",
		Subtotal:     decimal.RequireFromString("40.00"),
		Tip:          decimal.RequireFromString("6.00"),
		DistanceMi:   decimal.RequireFromString("3"),
		DurationMin:  decimal.RequireFromString("25"),
		CompletedAt:  time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC),
	}
}

func walk(t *testing.T, svc *OrderService, o domain.OrderEvent, steps ...string) domain.OrderStatus {
	t.Helper()
	status := domain.StatusPending
	for _, ev := range steps {
		next, err := svc.Transition(context.Background(), o, status, ev)
		require.NoError(t, err, "event %s from %s", ev, status)
		status = next
	}
	return status
}

func TestDeliveryLifecycleSettlesOnce(t *testing.T) {
	settler := &fakeSettler{}
	repo := repository.NewMemoryRepository()
	svc := NewOrderService(repo, settler, nil)
	o := delivery("o1")

	final := walk(t, svc, o, EventConfirm, EventPrepare, EventReady, EventPickUp, EventDeliver)
	assert.Equal(t, domain.StatusDelivered, final)
	require.Len(t, settler.calls, 1)
	assert.Equal(t, domain.StatusDelivered, settler.calls[0].Status)

	st, err := svc.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Version)
	assert.Equal(t, domain.StatusDelivered, st.SettledStatus)

	history, err := svc.History(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, history, 5)

	t.Run("duplicate webhook is a no-op", func(t *testing.T) {
		to, err := svc.Transition(context.Background(), o, domain.StatusInTransit, EventDeliver)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, to)
		to, err = svc.Transition(context.Background(), o, domain.StatusDelivered, EventDeliver)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, to)
		assert.Len(t, settler.calls, 1)
	})
}

func TestReservationTable(t *testing.T) {
	cases := []struct {
		from  domain.OrderStatus
		event string
		to    domain.OrderStatus
		ok    bool
	}{
		{domain.StatusPending, EventConfirm, domain.StatusConfirmed, true},
		{domain.StatusConfirmed, EventSeat, domain.StatusSeated, true},
		{domain.StatusConfirmed, EventNoShow, domain.StatusNoShow, true},
		{domain.StatusSeated, EventComplete, domain.StatusCompleted, true},
		{domain.StatusCompleted, EventRefund, domain.StatusRefunded, true},
		{domain.StatusSeated, EventNoShow, "", false},
		{domain.StatusPending, EventPickUp, "", false},
		{domain.StatusCancelled, EventConfirm, "", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.from, tc.event), func(t *testing.T) {
			to, ok := Next(domain.KindReservation, tc.from, tc.event)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.to, to)
		})
	}

	_, ok := Next(domain.KindDelivery, domain.StatusConfirmed, EventSeat)
	assert.False(t, ok, "delivery orders are never seated")
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	settler := &fakeSettler{}
	svc := NewOrderService(repository.NewMemoryRepository(), settler, nil)
	o := delivery("o2")
	walk(t, svc, o, EventConfirm)

	to, err := svc.Transition(context.Background(), o, domain.StatusConfirmed, EventDeliver)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusConfirmed, to)

	st, _ := svc.Get(context.Background(), "o2")
	assert.Equal(t, domain.StatusConfirmed, st.Status)
	assert.Equal(t, int64(1), st.Version)
	assert.Empty(t, settler.calls)
}

func TestStaleFromIsRejected(t *testing.T) {
	svc := NewOrderService(repository.NewMemoryRepository(), &fakeSettler{}, nil)
	o := delivery("o3")
	walk(t, svc, o, EventConfirm, EventPrepare)

	_, err := svc.Transition(context.Background(), o, domain.StatusConfirmed, EventCancel)
	assert.ErrorIs(t, err, domain.ErrConcurrentTransition)
}

func TestCalculationErrorFlagsOrder(t *testing.T) {
	settler := &fakeSettler{err: fmt.Errorf("%w: no pricing", domain.ErrCalculation)}
	svc := NewOrderService(repository.NewMemoryRepository(), settler, nil)
	o := delivery("o4")
	walk(t, svc, o, EventConfirm, EventPrepare, EventReady, EventPickUp)

	_, err := svc.Transition(context.Background(), o, domain.StatusInTransit, EventDeliver)
	require.ErrorIs(t, err, domain.ErrCalculation)

	flagged, err := svc.ListReconciliation(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "o4", flagged[0].OrderID)
	assert.Equal(t, domain.StatusDelivered, flagged[0].Status)

	// once pricing is fixed the next delivery of the event settles and clears the flag
	settler.err = nil
	to, err := svc.Transition(context.Background(), o, domain.StatusInTransit, EventDeliver)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, to)
	flagged, _ = svc.ListReconciliation(context.Background(), 10)
	assert.Empty(t, flagged)
}

func TestOutageAfterTransitionIsResettled(t *testing.T) {
	settler := &fakeSettler{err: errors.New("connection reset")}
	svc := NewOrderService(repository.NewMemoryRepository(), settler, nil)
	o := delivery("o5")
	walk(t, svc, o, EventConfirm, EventPrepare, EventReady, EventPickUp)

	_, err := svc.Transition(context.Background(), o, domain.StatusInTransit, EventDeliver)
	require.Error(t, err)

	settler.err = nil
	_, err = svc.Transition(context.Background(), o, domain.StatusInTransit, EventDeliver)
	require.NoError(t, err)
	assert.Len(t, settler.calls, 2)
	st, _ := svc.Get(context.Background(), "o5")
	assert.Equal(t, domain.StatusDelivered, st.SettledStatus)
}

type countingSettler struct {
	inner   *settlement.SettlementService
	created atomic.Int32
}

func (c *countingSettler) Settle(ctx context.Context, o domain.OrderEvent) (settlement.Result, error) {
	res, err := c.inner.Settle(ctx, o)
	if err == nil && res.Created {
		c.created.Add(1)
	}
	return res, err
}

func TestConcurrentTerminalTransitionsSettleOnce(t *testing.T) {
	ctx := context.Background()
	pricing := pricingsvc.NewPricingService(pricingrepo.NewMemoryRepository(), nil)
	require.NoError(t, pricing.Publish(ctx, domain.PricingConfig{
		Version:        "v1",
		EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Currency:       "USD",
		CommissionRate: decimal.RequireFromString("0.15"),
		DriverBasePay:  decimal.RequireFromString("3.00"),
	}))
	ledger := ledgersvc.NewLedgerService(ledgerrepo.NewMemoryRepository(), nil, config.LedgerConfig{MaxAttempts: 3}, nil)
	settler := &countingSettler{inner: settlement.NewSettlementService(settlement.NewCalculator(), pricing, ledger, nil, nil)}
	svc := NewOrderService(repository.NewMemoryRepository(), settler, nil)

	o := delivery("o6")
	walk(t, svc, o, EventConfirm, EventPrepare, EventReady, EventPickUp)

	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := EventDeliver
			if i%2 == 1 {
				event = EventCancel
			}
			_, err := svc.Transition(ctx, o, domain.StatusInTransit, event)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrConcurrentTransition):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok.Load()+conflicts.Load())

	st, err := svc.Get(ctx, "o6")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Version, "only one transition out of in_transit")

	txs, err := ledger.ListByOrder(ctx, "o6")
	require.NoError(t, err)
	if st.Status == domain.StatusDelivered {
		assert.Equal(t, int32(1), settler.created.Load(), "delivery settles exactly once")
		assert.Len(t, txs, 3)
	} else {
		assert.Equal(t, domain.StatusCancelled, st.Status)
		assert.Zero(t, settler.created.Load())
		assert.Empty(t, txs, "cancelled in transit before any settlement")
	}
}
