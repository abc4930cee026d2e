package handlers

import (
	"context"
	"time"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/reports/service"
)

type LedgerQueries interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error)
	Query(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.SettlementTransaction, error)
}

type OrderQueries interface {
	Get(ctx context.Context, orderID string) (domain.OrderState, error)
	History(ctx context.Context, orderID string) ([]domain.TransitionRecord, error)
	ListReconciliation(ctx context.Context, limit int) ([]domain.OrderState, error)
}

type PayoutQueries interface {
	GetBatch(ctx context.Context, batchID string) (domain.PayoutBatch, error)
	ListBatches(ctx context.Context, recipientID string) ([]domain.PayoutBatch, error)
}

// Pinger reports whether a backing connection is alive.
type Pinger func(ctx context.Context) error

type Handler struct {
	ledger  LedgerQueries
	orders  OrderQueries
	payouts PayoutQueries
	reports service.AggregatorInterface
	checks  map[string]Pinger
	lg      *logger.Logger
	now     func() time.Time
}

func New(ledger LedgerQueries, orders OrderQueries, payouts PayoutQueries, reports service.AggregatorInterface,
	checks map[string]Pinger, lg *logger.Logger) *Handler {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Handler{
		ledger:  ledger,
		orders:  orders,
		payouts: payouts,
		reports: reports,
		checks:  checks,
		lg:      lg,
		now:     time.Now,
	}
}
