package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

type PolicyRepositoryInterface interface {
	Get(ctx context.Context, recipientID string) (domain.PayoutPolicy, error)
	Save(ctx context.Context, p domain.PayoutPolicy) error
}

type BatchRepositoryInterface interface {
	Create(ctx context.Context, b domain.PayoutBatch) error
	Get(ctx context.Context, id string) (domain.PayoutBatch, error)
	// UpdateStatus moves a batch only while it is still in status from.
	UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus, reference, reason string, at time.Time) (bool, error)
	ListByRecipient(ctx context.Context, recipientID string) ([]domain.PayoutBatch, error)
	// ListByStatus returns batches in status last touched before olderThan.
	ListByStatus(ctx context.Context, status domain.BatchStatus, olderThan time.Time, limit int) ([]domain.PayoutBatch, error)
}

// ReceiptRepositoryInterface is the local copy of the rail's record per idempotency key.
type ReceiptRepositoryInterface interface {
	// Save upserts r; a confirmed or rejected receipt is final and never overwritten.
	Save(ctx context.Context, r domain.RailReceipt) error
	Get(ctx context.Context, idempotencyKey string) (domain.RailReceipt, error)
}

type Repository struct {
	PolicyRepo  PolicyRepositoryInterface
	BatchRepo   BatchRepositoryInterface
	ReceiptRepo ReceiptRepositoryInterface
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		PolicyRepo:  NewPolicyRepository(pool),
		BatchRepo:   NewBatchRepository(pool),
		ReceiptRepo: NewReceiptRepository(pool),
	}
}

func NewMemory() *Repository {
	m := NewMemoryRepository()
	return &Repository{PolicyRepo: m.Policies(), BatchRepo: m.Batches(), ReceiptRepo: m.Receipts()}
}
