package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/common/backoff"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/ledger/repository"
)

// Processor moves a pending entry forward. An error is a decline and the entry is retried.
type Processor interface {
	Process(ctx context.Context, tx domain.SettlementTransaction) error
}

type LedgerServiceInterface interface {
	// Append stores tx. If its (orderId, eventType, recipient) already exists the stored entry is returned.
	Append(ctx context.Context, tx domain.SettlementTransaction) (domain.SettlementTransaction, error)
	// AppendSet stores the whole set of one terminal transition atomically.
	// created is false when the set already existed; the stored set is returned either way.
	AppendSet(ctx context.Context, txs []domain.SettlementTransaction) (stored []domain.SettlementTransaction, created bool, err error)
	Process(ctx context.Context, txs []domain.SettlementTransaction)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (domain.SettlementTransaction, error)
	RetryFailed(ctx context.Context) (int, error)

	Query(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error)
	OrderBalance(ctx context.Context, orderID string) (decimal.Decimal, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.SettlementTransaction, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.SettlementTransaction, error)

	PayableRecipients(ctx context.Context) ([]repository.Recipient, error)
	ListPayable(ctx context.Context, recipientID string) ([]domain.SettlementTransaction, error)
	ReserveForBatch(ctx context.Context, batchID string, ids []string) error
	ReleaseBatch(ctx context.Context, batchID string) error
	SettleBatch(ctx context.Context, batchID string, at time.Time) error
}

var ErrImmutableEntry = errors.New("ledger entry is final")

type LedgerService struct {
	repo       repository.LedgerRepositoryInterface
	processor  Processor
	retry      backoff.Policy
	staleAfter time.Duration
	batchSize  int
	lg         *logger.Logger
	now        func() time.Time
}

func NewLedgerService(repo repository.LedgerRepositoryInterface, processor Processor, cfg config.LedgerConfig, lg *logger.Logger) *LedgerService {
	if lg == nil {
		lg = logger.Nop()
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 100
	}
	return &LedgerService{
		repo:       repo,
		processor:  processor,
		retry:      backoff.Policy{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff, MaxAttempts: cfg.MaxAttempts},
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.RetryBatch,
		lg:         lg,
		now:        time.Now,
	}
}

func (s *LedgerService) prepare(tx *domain.SettlementTransaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	if tx.Status == "" {
		tx.Status = domain.TxPending
	}
}

func (s *LedgerService) Append(ctx context.Context, tx domain.SettlementTransaction) (domain.SettlementTransaction, error) {
	s.prepare(&tx)
	err := s.repo.InsertSet(ctx, []domain.SettlementTransaction{tx})
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, domain.ErrDuplicateSettlement) {
		return domain.SettlementTransaction{}, err
	}
	existing, lerr := s.repo.ListByEvent(ctx, tx.OrderID, tx.EventType)
	if lerr != nil {
		return domain.SettlementTransaction{}, lerr
	}
	for _, e := range existing {
		if e.Key() == tx.Key() {
			s.lg.Debug("ledger_duplicate_append", map[string]any{"key": tx.Key(), "id": e.ID})
			return e, nil
		}
	}
	return domain.SettlementTransaction{}, err
}

func (s *LedgerService) AppendSet(ctx context.Context, txs []domain.SettlementTransaction) ([]domain.SettlementTransaction, bool, error) {
	if len(txs) == 0 {
		return nil, false, fmt.Errorf("empty transaction set")
	}
	orderID, eventType := txs[0].OrderID, txs[0].EventType
	for i := range txs {
		if txs[i].OrderID != orderID || txs[i].EventType != eventType {
			return nil, false, fmt.Errorf("transaction set mixes %s and %s",
				domain.IdempotencyKey(orderID, eventType), domain.IdempotencyKey(txs[i].OrderID, txs[i].EventType))
		}
		s.prepare(&txs[i])
	}

	err := s.repo.InsertSet(ctx, txs)
	if err == nil {
		s.lg.Info("ledger_set_appended", map[string]any{
			"order_id": orderID, "event_type": eventType, "transactions": len(txs),
		})
		return txs, true, nil
	}
	if !errors.Is(err, domain.ErrDuplicateSettlement) {
		return nil, false, err
	}
	existing, lerr := s.repo.ListByEvent(ctx, orderID, eventType)
	if lerr != nil {
		return nil, false, lerr
	}
	if len(existing) == 0 {
		return nil, false, err
	}
	s.lg.Info("ledger_duplicate_settlement", map[string]any{
		"order_id": orderID, "event_type": eventType,
	})
	return existing, false, nil
}

// Process hands pending entries to the processor; declines are recorded, not returned.
func (s *LedgerService) Process(ctx context.Context, txs []domain.SettlementTransaction) {
	if s.processor == nil {
		return
	}
	for _, tx := range txs {
		if tx.Status != domain.TxPending && tx.Status != domain.TxFailed {
			continue
		}
		s.processOne(ctx, tx)
	}
}

func (s *LedgerService) processOne(ctx context.Context, tx domain.SettlementTransaction) bool {
	if err := s.processor.Process(ctx, tx); err != nil {
		updated, merr := s.MarkFailed(ctx, tx.ID, err.Error())
		if merr != nil {
			s.lg.Error("ledger_mark_failed_error", merr, map[string]any{"id": tx.ID})
			return false
		}
		s.lg.Warn("ledger_processing_declined", map[string]any{
			"id": tx.ID, "attempts": updated.Attempts, "status": updated.Status, "reason": err.Error(),
		})
		return false
	}
	if err := s.MarkCompleted(ctx, tx.ID); err != nil {
		s.lg.Error("ledger_mark_completed_error", err, map[string]any{"id": tx.ID})
		return false
	}
	return true
}

func (s *LedgerService) MarkCompleted(ctx context.Context, id string) error {
	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch tx.Status {
	case domain.TxCompleted:
		return nil
	case domain.TxDeadLetter:
		return fmt.Errorf("%w: %s is dead-lettered", ErrImmutableEntry, id)
	}
	ok, err := s.repo.UpdateStatus(ctx, id, tx.Status, repository.StatusUpdate{
		Status:   domain.TxCompleted,
		Attempts: tx.Attempts,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s changed concurrently", id)
	}
	return nil
}

func (s *LedgerService) MarkFailed(ctx context.Context, id, reason string) (domain.SettlementTransaction, error) {
	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	if tx.Status == domain.TxCompleted || tx.Status == domain.TxDeadLetter {
		return tx, fmt.Errorf("%w: %s is %s", ErrImmutableEntry, id, tx.Status)
	}

	upd := repository.StatusUpdate{Attempts: tx.Attempts + 1, FailureReason: reason}
	if s.retry.Exhausted(upd.Attempts) {
		upd.Status = domain.TxDeadLetter
	} else {
		upd.Status = domain.TxFailed
		next := s.retry.Next(s.now().UTC(), upd.Attempts)
		upd.NextAttemptAt = &next
	}
	ok, err := s.repo.UpdateStatus(ctx, id, tx.Status, upd)
	if err != nil {
		return tx, err
	}
	if !ok {
		return tx, fmt.Errorf("transaction %s changed concurrently", id)
	}
	if upd.Status == domain.TxDeadLetter {
		s.lg.Error("ledger_dead_letter", errors.New(reason), map[string]any{
			"id": id, "order_id": tx.OrderID, "attempts": upd.Attempts,
		})
	}
	tx.Status, tx.Attempts, tx.NextAttemptAt, tx.FailureReason = upd.Status, upd.Attempts, upd.NextAttemptAt, upd.FailureReason
	return tx, nil
}

// RetryFailed re-drives failed entries whose backoff has elapsed, plus pending entries
// that were never processed. It returns how many completed.
func (s *LedgerService) RetryFailed(ctx context.Context) (int, error) {
	if s.processor == nil {
		return 0, nil
	}
	now := s.now().UTC()
	due, err := s.repo.DueForRetry(ctx, now, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, tx := range due {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if s.processOne(ctx, tx) {
			done++
		}
	}
	if len(due) > 0 {
		s.lg.Info("ledger_retry_run", map[string]any{"due": len(due), "completed": done})
	}
	return done, nil
}

func (s *LedgerService) Query(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error) {
	return s.repo.ListByRecipient(ctx, recipientID, status)
}

func (s *LedgerService) ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// OrderBalance is the sum of nets across every entry of the order; zero once reversed.
func (s *LedgerService) OrderBalance(ctx context.Context, orderID string) (decimal.Decimal, error) {
	txs, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.Net)
	}
	return total, nil
}

func (s *LedgerService) ListDeadLetters(ctx context.Context, limit int) ([]domain.SettlementTransaction, error) {
	return s.repo.ListByStatus(ctx, domain.TxDeadLetter, limit)
}

func (s *LedgerService) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.SettlementTransaction, error) {
	return s.repo.ListCreatedBetween(ctx, from, to)
}

func (s *LedgerService) PayableRecipients(ctx context.Context) ([]repository.Recipient, error) {
	return s.repo.PayableRecipients(ctx)
}

func (s *LedgerService) ListPayable(ctx context.Context, recipientID string) ([]domain.SettlementTransaction, error) {
	return s.repo.ListPayable(ctx, recipientID)
}

func (s *LedgerService) ReserveForBatch(ctx context.Context, batchID string, ids []string) error {
	return s.repo.Reserve(ctx, batchID, ids)
}

func (s *LedgerService) ReleaseBatch(ctx context.Context, batchID string) error {
	n, err := s.repo.Release(ctx, batchID)
	if err != nil {
		return err
	}
	s.lg.Debug("ledger_batch_released", map[string]any{"batch_id": batchID, "transactions": n})
	return nil
}

func (s *LedgerService) SettleBatch(ctx context.Context, batchID string, at time.Time) error {
	n, err := s.repo.MarkSettled(ctx, batchID, at)
	if err != nil {
		return err
	}
	s.lg.Debug("ledger_batch_settled", map[string]any{"batch_id": batchID, "transactions": n})
	return nil
}
