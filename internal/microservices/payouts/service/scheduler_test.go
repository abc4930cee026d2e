package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
	ledgerrepo "restaurant-payouts/internal/microservices/ledger/repository"
	ledgerservice "restaurant-payouts/internal/microservices/ledger/service"
	"restaurant-payouts/internal/microservices/payouts/repository"
)

type fakeRail struct {
	mu      sync.Mutex
	answer  domain.RailStatus
	err     error
	block   bool
	calls   int
	records map[string]domain.RailReceipt
}

func (r *fakeRail) Dispatch(ctx context.Context, req domain.PayoutRequest) (domain.RailReceipt, error) {
	r.mu.Lock()
	r.calls++
	block, err, answer := r.block, r.err, r.answer
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.RailReceipt{}, ctx.Err()
	}
	if err != nil {
		return domain.RailReceipt{}, err
	}
	return domain.RailReceipt{IdempotencyKey: req.IdempotencyKey, BatchID: req.BatchID, Status: answer, Reference: "ref-" + req.BatchID}, nil
}

func (r *fakeRail) Status(_ context.Context, key string) (domain.RailReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.records[key]; ok {
		return rc, nil
	}
	return domain.RailReceipt{IdempotencyKey: key, Status: domain.RailNotFound}, nil
}

func (r *fakeRail) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testPayoutsConfig() config.PayoutsConfig {
	return config.PayoutsConfig{
		Currency:            "USD",
		DispatchTimeout:     50 * time.Millisecond,
		ReconcileAfter:      10 * time.Minute,
		MaxDispatchFailures: 2,
		BaseBackoff:         time.Minute,
		MaxBackoff:          time.Hour,
		Concurrency:         4,
		Defaults: map[string]config.PolicyConfig{
			"driver":     {Frequency: "daily", MinimumPayout: "50.00"},
			"restaurant": {Frequency: "weekly", MinimumPayout: "100.00", FlushOnSchedule: true},
			"platform":   {Frequency: "monthly", MinimumPayout: "0", FlushOnSchedule: true},
		},
	}
}

type harness struct {
	ledger    *ledgerservice.LedgerService
	repo      *repository.Repository
	scheduler *Scheduler
	policies  *PolicyStore
	rail      *fakeRail
	clock     *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := ledgerservice.NewLedgerService(ledgerrepo.NewMemoryRepository(), nil, config.LedgerConfig{
		MaxAttempts: 3, BaseBackoff: time.Minute, MaxBackoff: time.Hour, StaleAfter: time.Minute,
	}, nil)
	repo := repository.NewMemory()
	cfg := testPayoutsConfig()
	policies, err := NewPolicyStore(repo.PolicyRepo, cfg, nil)
	require.NoError(t, err)
	rail := &fakeRail{answer: domain.RailAccepted, records: map[string]domain.RailReceipt{}}
	sched := NewScheduler(ledger, repo.BatchRepo, policies, NewLocalLocker(), rail, cfg, nil)

	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	sched.now = c.Now
	policies.now = c.Now
	return &harness{ledger: ledger, repo: repo, scheduler: sched, policies: policies, rail: rail, clock: c}
}

// single runs one recipient and returns its only batch, nil when it was skipped.
func (h *harness) single(t *testing.T, r ledgerrepo.Recipient, freq domain.PayoutFrequency) (*domain.PayoutBatch, error) {
	t.Helper()
	bs, err := h.scheduler.RunRecipient(context.Background(), r, freq)
	require.LessOrEqual(t, len(bs), 1)
	if len(bs) == 0 {
		return nil, err
	}
	return &bs[0], err
}

func (h *harness) earn(t *testing.T, orderID, recipient string, role domain.RecipientRole, net string) {
	t.Helper()
	h.earnIn(t, orderID, recipient, role, net, "USD")
}

func (h *harness) earnIn(t *testing.T, orderID, recipient string, role domain.RecipientRole, net, currency string) {
	t.Helper()
	amt := decimal.RequireFromString(net)
	_, err := h.ledger.Append(context.Background(), domain.SettlementTransaction{
		OrderID:       orderID,
		EventType:     domain.StatusDelivered,
		RecipientID:   recipient,
		RecipientRole: role,
		Gross:         amt,
		Net:           amt,
		Currency:      currency,
	})
	require.NoError(t, err)
}

func TestSchedulerThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rail.answer = domain.RailConfirmed

	h.earn(t, "o1", "d1", domain.RoleDriver, "25.00")
	h.earn(t, "o2", "d1", domain.RoleDriver, "15.00")

	sum, err := h.scheduler.RunOnce(ctx, domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Batches)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, h.rail.Calls())

	h.earn(t, "o3", "d1", domain.RoleDriver, "12.00")

	sum, err = h.scheduler.RunOnce(ctx, domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Batches)

	batches, err := h.scheduler.ListBatches(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "52.00", batches[0].Total.StringFixed(2))
	assert.Equal(t, domain.BatchConfirmed, batches[0].Status)
	assert.Len(t, batches[0].TransactionIDs, 3)

	all, err := h.ledger.Query(ctx, "d1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, tx := range all {
		assert.NotNil(t, tx.SettledAt, "tx %s should be settled", tx.ID)
		assert.Equal(t, batches[0].ID, tx.BatchID)
	}

	// settled entries are never batched again
	sum, err = h.scheduler.RunOnce(ctx, domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Recipients)
}

func TestSchedulerOtherFrequencySkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.earn(t, "o1", "d1", domain.RoleDriver, "80.00")

	sum, err := h.scheduler.RunOnce(ctx, domain.FrequencyWeekly)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, h.rail.Calls())
}

func TestSchedulerFlushOnSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.earn(t, "o1", "r1", domain.RoleRestaurant, "30.00")

	sum, err := h.scheduler.RunOnce(ctx, domain.FrequencyWeekly)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Batches)

	batches, err := h.scheduler.ListBatches(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.BatchDispatched, batches[0].Status)

	// entries stay reserved until the rail confirms
	payable, err := h.ledger.ListPayable(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, payable)

	require.NoError(t, h.scheduler.ConfirmBatch(ctx, batches[0].ID, "wire-1"))
	require.NoError(t, h.scheduler.ConfirmBatch(ctx, batches[0].ID, "wire-1"))

	got, err := h.scheduler.GetBatch(ctx, batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchConfirmed, got.Status)
	assert.Equal(t, "wire-1", got.RailReference)

	assert.ErrorIs(t, h.scheduler.FailBatch(ctx, got.ID, "late reject"), ErrBatchFinal)
}

func TestSchedulerPerRecipientExclusion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.earn(t, "o1", "d1", domain.RoleDriver, "60.00")
	h.earn(t, "o2", "d2", domain.RoleDriver, "70.00")

	t.Run("held lock", func(t *testing.T) {
		unlock, ok, err := h.scheduler.locker.TryLock(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = h.scheduler.RunRecipient(ctx, ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}, domain.FrequencyDaily)
		assert.ErrorIs(t, err, domain.ErrRecipientBusy)

		// other recipients are unaffected
		b, err := h.single(t, ledgerrepo.Recipient{ID: "d2", Role: domain.RoleDriver}, domain.FrequencyDaily)
		require.NoError(t, err)
		require.NotNil(t, b)
		unlock()
	})

	t.Run("concurrent runs", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = h.scheduler.RunRecipient(ctx, ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}, domain.FrequencyDaily)
			}()
		}
		wg.Wait()

		batches, err := h.scheduler.ListBatches(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, "60.00", batches[0].Total.StringFixed(2))
	})
}

func TestSchedulerDispatchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rail.err = fmt.Errorf("%w: rail down", domain.ErrPayoutDispatch)
	h.earn(t, "o1", "d1", domain.RoleDriver, "55.00")
	d1 := ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}

	b, err := h.single(t, d1, domain.FrequencyDaily)
	require.ErrorIs(t, err, domain.ErrPayoutDispatch)
	require.NotNil(t, b)
	assert.Equal(t, domain.BatchFailed, b.Status)

	payable, err := h.ledger.ListPayable(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, payable, 1, "rolled back entries are payable again")

	p, err := h.policies.Get(ctx, "d1", domain.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ConsecutiveFailures)
	require.NotNil(t, p.NextAttemptAt)
	assert.False(t, p.ManualReview)

	// backing off
	b, err = h.single(t, d1, domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 1, h.rail.Calls())

	h.clock.Advance(2 * time.Minute)
	_, err = h.scheduler.RunRecipient(ctx, d1, domain.FrequencyDaily)
	require.ErrorIs(t, err, domain.ErrPayoutDispatch)

	p, err = h.policies.Get(ctx, "d1", domain.RoleDriver)
	require.NoError(t, err)
	assert.True(t, p.ManualReview)

	h.clock.Advance(24 * time.Hour)
	h.rail.err = nil
	b, err = h.single(t, d1, domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Nil(t, b, "manual review holds the recipient")
}

func TestSchedulerRejectedRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rail.answer = domain.RailRejected
	h.earn(t, "o1", "d1", domain.RoleDriver, "55.00")

	_, err := h.scheduler.RunRecipient(ctx, ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}, domain.FrequencyDaily)
	require.ErrorIs(t, err, domain.ErrPayoutDispatch)

	payable, err := h.ledger.ListPayable(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, payable, 1)
}

func TestSchedulerTimeoutThenReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("rail never saw it", func(t *testing.T) {
		h := newHarness(t)
		h.rail.block = true
		h.earn(t, "o1", "d1", domain.RoleDriver, "55.00")

		b, err := h.single(t, ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}, domain.FrequencyDaily)
		require.ErrorIs(t, err, domain.ErrRailTimeout)
		require.NotNil(t, b)
		assert.Equal(t, domain.BatchUnknown, b.Status)

		payable, err := h.ledger.ListPayable(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, payable, "unknown outcome keeps entries reserved")

		n, err := h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "too early to give up on the rail")

		h.clock.Advance(11 * time.Minute)
		n, err = h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.scheduler.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BatchFailed, got.Status)
		payable, err = h.ledger.ListPayable(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, payable, 1)
		assert.Equal(t, 1, h.rail.Calls(), "no blind resubmission")
	})

	t.Run("rail paid it", func(t *testing.T) {
		h := newHarness(t)
		h.rail.block = true
		h.earn(t, "o1", "d1", domain.RoleDriver, "55.00")

		b, err := h.single(t, ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}, domain.FrequencyDaily)
		require.ErrorIs(t, err, domain.ErrRailTimeout)

		h.rail.mu.Lock()
		h.rail.records[b.IdempotencyKey()] = domain.RailReceipt{
			IdempotencyKey: b.IdempotencyKey(), BatchID: b.ID, Status: domain.RailConfirmed, Reference: "wire-9",
		}
		h.rail.mu.Unlock()

		n, err := h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.scheduler.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BatchConfirmed, got.Status)
		all, err := h.ledger.Query(ctx, "d1", "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.NotNil(t, all[0].SettledAt)
	})
}

func TestSchedulerNettedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.earn(t, "o1", "r1", domain.RoleRestaurant, "40.00")
	amt := decimal.RequireFromString("-40.00")
	_, err := h.ledger.Append(ctx, domain.SettlementTransaction{
		OrderID: "o1", EventType: domain.StatusCancelled, RecipientID: "r1",
		RecipientRole: domain.RoleRestaurant, Gross: amt, Net: amt, Currency: "USD",
	})
	require.NoError(t, err)

	b, err := h.single(t, ledgerrepo.Recipient{ID: "r1", Role: domain.RoleRestaurant}, domain.FrequencyWeekly)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, domain.BatchConfirmed, b.Status)
	assert.True(t, b.Total.IsZero())
	assert.Equal(t, 0, h.rail.Calls())
}

func TestTriggerInstant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.policies.Set(ctx, domain.PayoutPolicy{
		RecipientID: "d9", Role: domain.RoleDriver, Frequency: domain.FrequencyInstant, MinimumPayout: decimal.NewFromInt(5),
	}))
	h.earn(t, "o1", "d9", domain.RoleDriver, "12.40")
	h.earn(t, "o1", "d1", domain.RoleDriver, "80.00")

	h.scheduler.TriggerInstant(ctx, []string{"d9", "d9", "d1"})

	batches, err := h.scheduler.ListBatches(ctx, "d9")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "12.40", batches[0].Total.StringFixed(2))

	batches, err = h.scheduler.ListBatches(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, batches, "daily recipients wait for their run")
}

func TestPolicyStoreRejectsBadPolicy(t *testing.T) {
	h := newHarness(t)
	err := h.policies.Set(context.Background(), domain.PayoutPolicy{
		RecipientID: "d1", Role: domain.RoleDriver, Frequency: "hourly",
	})
	assert.Error(t, err)

	cfg := testPayoutsConfig()
	cfg.Defaults["driver"] = config.PolicyConfig{Frequency: "daily", MinimumPayout: "fifty"}
	_, err = NewPolicyStore(repository.NewMemory().PolicyRepo, cfg, nil)
	assert.Error(t, err)
}

// flakyBatches fails the first status update into failTo.
type flakyBatches struct {
	repository.BatchRepositoryInterface
	mu     sync.Mutex
	failTo domain.BatchStatus
}

func (f *flakyBatches) UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus, reference, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	fail := f.failTo != "" && f.failTo == to
	if fail {
		f.failTo = ""
	}
	f.mu.Unlock()
	if fail {
		return false, errors.New("conn reset by peer")
	}
	return f.BatchRepositoryInterface.UpdateStatus(ctx, id, from, to, reference, reason, at)
}

func TestReconcileRecoversBatchStuckInBuilt(t *testing.T) {
	ctx := context.Background()
	d1 := ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}

	stuck := func(t *testing.T) (*harness, domain.PayoutBatch) {
		h := newHarness(t)
		h.scheduler.batches = &flakyBatches{BatchRepositoryInterface: h.repo.BatchRepo, failTo: domain.BatchDispatched}
		h.earn(t, "o1", "d1", domain.RoleDriver, "55.00")

		_, err := h.scheduler.RunRecipient(ctx, d1, domain.FrequencyDaily)
		require.Error(t, err)
		batches, err := h.scheduler.ListBatches(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, batches, 1)
		require.Equal(t, domain.BatchBuilt, batches[0].Status)
		payable, err := h.ledger.ListPayable(ctx, "d1")
		require.NoError(t, err)
		require.Empty(t, payable)
		return h, batches[0]
	}

	t.Run("rail has no record", func(t *testing.T) {
		h, b := stuck(t)

		h.clock.Advance(time.Minute)
		n, err := h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "too early to give up on the rail")

		h.clock.Advance(48 * time.Hour)
		n, err = h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.scheduler.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BatchFailed, got.Status)
		payable, err := h.ledger.ListPayable(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, payable, 1, "entries are payable again")
	})

	t.Run("rail accepted it", func(t *testing.T) {
		h, b := stuck(t)
		h.rail.mu.Lock()
		h.rail.records[b.IdempotencyKey()] = domain.RailReceipt{
			IdempotencyKey: b.IdempotencyKey(), BatchID: b.ID, Status: domain.RailAccepted, Reference: "wire-3",
		}
		h.rail.mu.Unlock()

		h.clock.Advance(time.Minute)
		n, err := h.scheduler.ReconcileUnknown(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.scheduler.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BatchDispatched, got.Status)
		require.NoError(t, h.scheduler.ConfirmBatch(ctx, b.ID, "wire-3"))
		assert.Equal(t, 1, h.rail.Calls(), "no second dispatch")
	})
}

func TestSchedulerBatchesPerCurrency(t *testing.T) {
	ctx := context.Background()
	d1 := ledgerrepo.Recipient{ID: "d1", Role: domain.RoleDriver}

	t.Run("one batch per currency", func(t *testing.T) {
		h := newHarness(t)
		h.earnIn(t, "o1", "d1", domain.RoleDriver, "60.00", "USD")
		h.earnIn(t, "o2", "d1", domain.RoleDriver, "55.00", "EUR")

		bs, err := h.scheduler.RunRecipient(ctx, d1, domain.FrequencyDaily)
		require.NoError(t, err)
		require.Len(t, bs, 2)
		assert.Equal(t, "EUR", bs[0].Currency)
		assert.Equal(t, "55.00", bs[0].Total.StringFixed(2))
		assert.Equal(t, "USD", bs[1].Currency)
		assert.Equal(t, "60.00", bs[1].Total.StringFixed(2))
		assert.Equal(t, 2, h.rail.Calls())
	})

	t.Run("threshold applies per currency", func(t *testing.T) {
		h := newHarness(t)
		h.earnIn(t, "o1", "d1", domain.RoleDriver, "60.00", "USD")
		h.earnIn(t, "o2", "d1", domain.RoleDriver, "20.00", "EUR")

		bs, err := h.scheduler.RunRecipient(ctx, d1, domain.FrequencyDaily)
		require.NoError(t, err)
		require.Len(t, bs, 1)
		assert.Equal(t, "USD", bs[0].Currency)
		assert.Equal(t, "60.00", bs[0].Total.StringFixed(2))

		payable, err := h.ledger.ListPayable(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, payable, 1)
		assert.Equal(t, "EUR", payable[0].Currency)
	})
}

func TestSchedulerKeepsRolesApart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.earn(t, "o1", "acct-7", domain.RoleRestaurant, "30.00")
	h.earn(t, "o2", "acct-7", domain.RoleDriver, "60.00")

	b, err := h.single(t, ledgerrepo.Recipient{ID: "acct-7", Role: domain.RoleDriver}, domain.FrequencyDaily)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "60.00", b.Total.StringFixed(2))
	assert.Equal(t, domain.RoleDriver, b.RecipientRole)

	payable, err := h.ledger.ListPayable(ctx, "acct-7")
	require.NoError(t, err)
	require.Len(t, payable, 1)
	assert.Equal(t, domain.RoleRestaurant, payable[0].RecipientRole)
}
