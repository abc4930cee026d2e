package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
	ledgerrepo "restaurant-payouts/internal/microservices/ledger/repository"
	"restaurant-payouts/internal/microservices/payouts/repository"
)

var ErrBatchFinal = errors.New("batch already final")

// Ledger is the part of the payout ledger the scheduler drains.
type Ledger interface {
	PayableRecipients(ctx context.Context) ([]ledgerrepo.Recipient, error)
	ListPayable(ctx context.Context, recipientID string) ([]domain.SettlementTransaction, error)
	ReserveForBatch(ctx context.Context, batchID string, ids []string) error
	ReleaseBatch(ctx context.Context, batchID string) error
	SettleBatch(ctx context.Context, batchID string, at time.Time) error
}

type SchedulerInterface interface {
	RunOnce(ctx context.Context, freq domain.PayoutFrequency) (RunSummary, error)
	RunRecipient(ctx context.Context, r ledgerrepo.Recipient, freq domain.PayoutFrequency) ([]domain.PayoutBatch, error)
	TriggerInstant(ctx context.Context, recipientIDs []string)
	ReconcileUnknown(ctx context.Context) (int, error)
	ConfirmBatch(ctx context.Context, batchID, reference string) error
	FailBatch(ctx context.Context, batchID, reason string) error
	GetBatch(ctx context.Context, batchID string) (domain.PayoutBatch, error)
	ListBatches(ctx context.Context, recipientID string) ([]domain.PayoutBatch, error)
}

type RunSummary struct {
	Recipients int `json:"recipients"`
	Batches    int `json:"batches"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Scheduler turns payable ledger entries into payout batches, one recipient at a time.
type Scheduler struct {
	ledger   Ledger
	batches  repository.BatchRepositoryInterface
	policies *PolicyStore
	locker   Locker
	rail     Rail
	lg       *logger.Logger

	currency        string
	dispatchTimeout time.Duration
	reconcileAfter  time.Duration
	concurrency     int
	now             func() time.Time
}

func NewScheduler(ledger Ledger, batches repository.BatchRepositoryInterface, policies *PolicyStore,
	locker Locker, rail Rail, cfg config.PayoutsConfig, lg *logger.Logger) *Scheduler {
	if lg == nil {
		lg = logger.Nop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		ledger:          ledger,
		batches:         batches,
		policies:        policies,
		locker:          locker,
		rail:            rail,
		lg:              lg,
		currency:        cfg.Currency,
		dispatchTimeout: cfg.DispatchTimeout,
		reconcileAfter:  cfg.ReconcileAfter,
		concurrency:     concurrency,
		now:             time.Now,
	}
}

// RunOnce sweeps every recipient with payable entries whose policy runs at freq.
// Recipients are independent: one failing does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context, freq domain.PayoutFrequency) (RunSummary, error) {
	recipients, err := s.ledger.PayableRecipients(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list payable recipients: %w", err)
	}

	var (
		mu  sync.Mutex
		sum = RunSummary{Recipients: len(recipients)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range recipients {
		r := r
		g.Go(func() error {
			bs, err := s.RunRecipient(gctx, r, freq)
			mu.Lock()
			defer mu.Unlock()
			sum.Batches += len(bs)
			switch {
			case err != nil:
				sum.Failed++
			case len(bs) == 0:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.lg.Info("payout_run_finished", map[string]any{
		"frequency": freq, "recipients": sum.Recipients, "batches": sum.Batches,
		"skipped": sum.Skipped, "failed": sum.Failed,
	})
	return sum, ctx.Err()
}

// TriggerInstant runs the instant policy for recipients that just received entries.
// Errors are logged; the ledger keeps the entries payable for the next sweep.
func (s *Scheduler) TriggerInstant(ctx context.Context, recipientIDs []string) {
	seen := make(map[string]struct{}, len(recipientIDs))
	for _, id := range recipientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		txs, err := s.ledger.ListPayable(ctx, id)
		if err != nil {
			s.lg.Error("instant_payout_lookup_failed", err, map[string]any{"recipient_id": id})
			continue
		}
		roles := map[domain.RecipientRole]struct{}{}
		for _, t := range txs {
			if _, dup := roles[t.RecipientRole]; dup {
				continue
			}
			roles[t.RecipientRole] = struct{}{}
			r := ledgerrepo.Recipient{ID: id, Role: t.RecipientRole}
			if _, err := s.RunRecipient(ctx, r, domain.FrequencyInstant); err != nil && !errors.Is(err, domain.ErrRecipientBusy) {
				s.lg.Error("instant_payout_failed", err, map[string]any{"recipient_id": id, "role": r.Role})
			}
		}
	}
}

// RunRecipient builds and dispatches at most one batch per currency. No batches with a
// nil error means the recipient was skipped. The first failing currency stops the run so
// the recipient's backoff applies to the rest.
func (s *Scheduler) RunRecipient(ctx context.Context, r ledgerrepo.Recipient, freq domain.PayoutFrequency) ([]domain.PayoutBatch, error) {
	fields := map[string]any{"recipient_id": r.ID, "role": r.Role, "frequency": freq}

	policy, err := s.policies.Get(ctx, r.ID, r.Role)
	if err != nil {
		s.lg.Error("payout_policy_failed", err, fields)
		return nil, err
	}
	if policy.Frequency != freq || !s.policies.Due(policy) {
		return nil, nil
	}

	unlock, ok, err := s.locker.TryLock(ctx, r.ID)
	if err != nil {
		s.lg.Error("payout_lock_failed", err, fields)
		return nil, err
	}
	if !ok {
		s.lg.Debug("payout_recipient_busy", fields)
		return nil, fmt.Errorf("%w: %s", domain.ErrRecipientBusy, r.ID)
	}
	defer unlock()

	all, err := s.ledger.ListPayable(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("list payable %s: %w", r.ID, err)
	}
	// an account can earn in several roles; each role has its own policy and batches
	txs := all[:0:0]
	for _, t := range all {
		if t.RecipientRole == r.Role {
			txs = append(txs, t)
		}
	}

	var out []domain.PayoutBatch
	for _, g := range s.byCurrency(txs) {
		gfields := make(map[string]any, len(fields)+5)
		for k, v := range fields {
			gfields[k] = v
		}
		gfields["currency"] = g.currency
		b, err := s.runCurrency(ctx, r, freq, policy, g.currency, g.txs, gfields)
		if b != nil {
			out = append(out, *b)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Scheduler) runCurrency(ctx context.Context, r ledgerrepo.Recipient, freq domain.PayoutFrequency,
	policy domain.PayoutPolicy, currency string, txs []domain.SettlementTransaction, fields map[string]any) (*domain.PayoutBatch, error) {
	total := decimal.Zero
	ids := make([]string, 0, len(txs))
	for _, t := range txs {
		total = total.Add(t.Net)
		ids = append(ids, t.ID)
	}
	total = domain.RoundMoney(total)
	fields["total"] = total.StringFixed(2)
	fields["transactions"] = len(ids)

	if total.IsNegative() {
		// reversals outweigh earnings; the debit carries over to later entries
		s.lg.Warn("payout_negative_balance", fields)
		return nil, nil
	}
	flush := policy.FlushOnSchedule && freq != domain.FrequencyInstant
	if total.LessThan(policy.MinimumPayout) && !flush {
		fields["minimum"] = policy.MinimumPayout.StringFixed(2)
		s.lg.Warn("payout_threshold_not_met", fields)
		return nil, nil
	}

	now := s.now().UTC()
	batch := domain.PayoutBatch{
		ID:             uuid.NewString(),
		RecipientID:    r.ID,
		RecipientRole:  r.Role,
		TransactionIDs: ids,
		Total:          total,
		Currency:       currency,
		Status:         domain.BatchBuilt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	fields["batch_id"] = batch.ID

	if err := s.ledger.ReserveForBatch(ctx, batch.ID, ids); err != nil {
		_ = s.setStatus(ctx, &batch, domain.BatchBuilt, domain.BatchFailed, "", "reserve: "+err.Error())
		s.lg.Error("payout_reserve_failed", err, fields)
		return nil, fmt.Errorf("reserve batch %s: %w", batch.ID, err)
	}

	if total.IsZero() {
		// offsetting entries only; nothing to send to the rail
		if err := s.complete(ctx, &batch, domain.BatchBuilt, ""); err != nil {
			return nil, err
		}
		s.lg.Info("payout_batch_netted", fields)
		return &batch, nil
	}

	return s.dispatch(ctx, batch, policy, fields)
}

func (s *Scheduler) dispatch(ctx context.Context, batch domain.PayoutBatch, policy domain.PayoutPolicy, fields map[string]any) (*domain.PayoutBatch, error) {
	req := domain.PayoutRequest{
		BatchID:        batch.ID,
		RecipientID:    batch.RecipientID,
		RecipientRole:  batch.RecipientRole,
		Amount:         batch.Total,
		Currency:       batch.Currency,
		IdempotencyKey: batch.IdempotencyKey(),
		RequestedAt:    s.now().UTC(),
	}
	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	receipt, err := s.rail.Dispatch(dctx, req)
	cancel()
	// the request may be at the rail now: record what happened even if the caller is shutting down
	ctx = context.WithoutCancel(ctx)

	switch {
	case err != nil && !errors.Is(err, domain.ErrPayoutDispatch):
		// the rail may or may not have it: keep the entries reserved until reconciled
		if uerr := s.setStatus(ctx, &batch, domain.BatchBuilt, domain.BatchUnknown, "", err.Error()); uerr != nil {
			return nil, uerr
		}
		s.lg.Warn("payout_dispatch_unknown", fields)
		return &batch, fmt.Errorf("%w: batch %s: %v", domain.ErrRailTimeout, batch.ID, err)

	case err != nil || receipt.Status == domain.RailRejected:
		reason := receipt.Reason
		if err != nil {
			reason = err.Error()
		}
		if rerr := s.rollback(ctx, &batch, domain.BatchBuilt, reason); rerr != nil {
			return nil, rerr
		}
		if _, perr := s.policies.RecordFailure(ctx, policy, reason); perr != nil {
			s.lg.Error("payout_policy_update_failed", perr, fields)
		}
		s.lg.Error("payout_dispatch_failed", errors.New(reason), fields)
		return &batch, fmt.Errorf("%w: batch %s: %s", domain.ErrPayoutDispatch, batch.ID, reason)
	}

	if err := s.policies.RecordSuccess(ctx, policy); err != nil {
		s.lg.Error("payout_policy_update_failed", err, fields)
	}
	if err := s.setStatus(ctx, &batch, domain.BatchBuilt, domain.BatchDispatched, receipt.Reference, ""); err != nil {
		// still built with entries reserved; ReconcileUnknown picks it up
		return nil, err
	}
	if receipt.Status == domain.RailConfirmed {
		if err := s.complete(ctx, &batch, domain.BatchDispatched, receipt.Reference); err != nil {
			return nil, err
		}
	}
	s.lg.Info("payout_batch_dispatched", fields)
	return &batch, nil
}

// ConfirmBatch marks the batch confirmed and its entries settled. Repeats are no-ops.
func (s *Scheduler) ConfirmBatch(ctx context.Context, batchID, reference string) error {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case domain.BatchConfirmed:
		// повторное подтверждение: доводим ledger на случай прошлого сбоя
		return s.ledger.SettleBatch(ctx, batchID, batch.UpdatedAt)
	case domain.BatchBuilt, domain.BatchDispatched, domain.BatchUnknown, domain.BatchManualReview:
		if err := s.complete(ctx, &batch, batch.Status, reference); err != nil {
			return err
		}
		s.lg.Info("payout_batch_confirmed", map[string]any{
			"batch_id": batchID, "recipient_id": batch.RecipientID, "total": batch.Total.StringFixed(2),
		})
		return nil
	default:
		return fmt.Errorf("%w: batch %s is %s", ErrBatchFinal, batchID, batch.Status)
	}
}

// FailBatch rolls the batch back: its entries become payable again and the recipient backs off.
func (s *Scheduler) FailBatch(ctx context.Context, batchID, reason string) error {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case domain.BatchFailed:
		return s.ledger.ReleaseBatch(ctx, batchID)
	case domain.BatchBuilt, domain.BatchDispatched, domain.BatchUnknown, domain.BatchManualReview:
	default:
		return fmt.Errorf("%w: batch %s is %s", ErrBatchFinal, batchID, batch.Status)
	}
	if err := s.rollback(ctx, &batch, batch.Status, reason); err != nil {
		return err
	}
	policy, err := s.policies.Get(ctx, batch.RecipientID, batch.RecipientRole)
	if err != nil {
		return err
	}
	if _, err := s.policies.RecordFailure(ctx, policy, reason); err != nil {
		return err
	}
	s.lg.Warn("payout_batch_failed", map[string]any{
		"batch_id": batchID, "recipient_id": batch.RecipientID, "reason": reason,
	})
	return nil
}

// ReconcileUnknown asks the rail about batches whose dispatch outcome is not known yet.
// That includes batches left built past the dispatch timeout, when the scheduler died or
// lost its database between dispatch and recording the result. A batch the rail never
// heard of is rolled back only after reconcileAfter, so a late request cannot be paid
// twice. A dispatched batch the rail lost goes to manual review.
func (s *Scheduler) ReconcileUnknown(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var pending []domain.PayoutBatch
	for _, q := range []struct {
		status    domain.BatchStatus
		olderThan time.Time
	}{
		{domain.BatchUnknown, now.Add(time.Nanosecond)},
		{domain.BatchBuilt, now.Add(-s.dispatchTimeout)},
		{domain.BatchDispatched, now.Add(-s.reconcileAfter)},
	} {
		bs, err := s.batches.ListByStatus(ctx, q.status, q.olderThan, 100)
		if err != nil {
			return 0, err
		}
		pending = append(pending, bs...)
	}

	resolved := 0
	for _, b := range pending {
		fields := map[string]any{"batch_id": b.ID, "recipient_id": b.RecipientID, "status": b.Status}
		rc, err := s.rail.Status(ctx, b.IdempotencyKey())
		if err != nil {
			s.lg.Error("payout_reconcile_failed", err, fields)
			continue
		}
		fields["rail_status"] = rc.Status

		switch rc.Status {
		case domain.RailConfirmed:
			err = s.ConfirmBatch(ctx, b.ID, rc.Reference)
		case domain.RailRejected:
			err = s.FailBatch(ctx, b.ID, rc.Reason)
		case domain.RailAccepted:
			if b.Status == domain.BatchDispatched {
				continue
			}
			err = s.setStatus(ctx, &b, b.Status, domain.BatchDispatched, rc.Reference, "")
		case domain.RailNotFound:
			if now.Sub(b.UpdatedAt) < s.reconcileAfter {
				continue
			}
			if b.Status != domain.BatchDispatched {
				err = s.FailBatch(ctx, b.ID, "rail has no record of the request")
			} else {
				err = s.setStatus(ctx, &b, domain.BatchDispatched, domain.BatchManualReview, "", "rail lost a dispatched request")
			}
		default:
			continue
		}
		if err != nil {
			s.lg.Error("payout_reconcile_failed", err, fields)
			continue
		}
		resolved++
		s.lg.Info("payout_reconciled", fields)
	}
	return resolved, nil
}

func (s *Scheduler) GetBatch(ctx context.Context, batchID string) (domain.PayoutBatch, error) {
	return s.batches.Get(ctx, batchID)
}

func (s *Scheduler) ListBatches(ctx context.Context, recipientID string) ([]domain.PayoutBatch, error) {
	return s.batches.ListByRecipient(ctx, recipientID)
}

func (s *Scheduler) complete(ctx context.Context, b *domain.PayoutBatch, from domain.BatchStatus, reference string) error {
	if err := s.setStatus(ctx, b, from, domain.BatchConfirmed, reference, ""); err != nil {
		return err
	}
	return s.ledger.SettleBatch(ctx, b.ID, b.UpdatedAt)
}

func (s *Scheduler) rollback(ctx context.Context, b *domain.PayoutBatch, from domain.BatchStatus, reason string) error {
	if err := s.setStatus(ctx, b, from, domain.BatchFailed, "", reason); err != nil {
		return err
	}
	return s.ledger.ReleaseBatch(ctx, b.ID)
}

func (s *Scheduler) setStatus(ctx context.Context, b *domain.PayoutBatch, from, to domain.BatchStatus, reference, reason string) error {
	at := s.now().UTC()
	ok, err := s.batches.UpdateStatus(ctx, b.ID, from, to, reference, reason, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("batch %s moved away from %s", b.ID, from)
	}
	b.Status = to
	if reference != "" {
		b.RailReference = reference
	}
	b.FailureReason = reason
	b.UpdatedAt = at
	return nil
}

type currencyGroup struct {
	currency string
	txs      []domain.SettlementTransaction
}

// byCurrency splits entries per currency, ordered by currency code. A batch never mixes
// currencies; entries without one are in the scheduler's default currency.
func (s *Scheduler) byCurrency(txs []domain.SettlementTransaction) []currencyGroup {
	idx := map[string]int{}
	var groups []currencyGroup
	for _, t := range txs {
		cur := t.Currency
		if cur == "" {
			cur = s.currency
		}
		i, ok := idx[cur]
		if !ok {
			i = len(groups)
			idx[cur] = i
			groups = append(groups, currencyGroup{currency: cur})
		}
		groups[i].txs = append(groups[i].txs, t)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].currency < groups[j].currency })
	return groups
}
