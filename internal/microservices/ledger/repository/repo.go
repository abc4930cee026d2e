package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

var ErrNotPayable = errors.New("transactions are no longer payable")

// StatusUpdate carries the mutable bookkeeping of a ledger entry.
type StatusUpdate struct {
	Status        domain.TransactionStatus
	Attempts      int
	NextAttemptAt *time.Time
	FailureReason string
}

// Recipient is a payee with at least one payable entry.
type Recipient struct {
	ID   string
	Role domain.RecipientRole
}

type LedgerRepositoryInterface interface {
	// InsertSet writes all rows or none. A key collision returns domain.ErrDuplicateSettlement.
	InsertSet(ctx context.Context, txs []domain.SettlementTransaction) error
	Get(ctx context.Context, id string) (domain.SettlementTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error)
	ListByEvent(ctx context.Context, orderID string, eventType domain.OrderStatus) ([]domain.SettlementTransaction, error)
	// ListByRecipient filters by status unless status is empty.
	ListByRecipient(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error)
	ListByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.SettlementTransaction, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.SettlementTransaction, error)

	// UpdateStatus applies upd only while the entry is still in status from.
	UpdateStatus(ctx context.Context, id string, from domain.TransactionStatus, upd StatusUpdate) (bool, error)
	// DueForRetry lists failed entries whose backoff elapsed and pending entries older than staleBefore.
	DueForRetry(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.SettlementTransaction, error)

	PayableRecipients(ctx context.Context) ([]Recipient, error)
	ListPayable(ctx context.Context, recipientID string) ([]domain.SettlementTransaction, error)
	// Reserve attaches ids to a batch; it fails without changes if any id is no longer payable.
	Reserve(ctx context.Context, batchID string, ids []string) error
	Release(ctx context.Context, batchID string) (int64, error)
	MarkSettled(ctx context.Context, batchID string, at time.Time) (int64, error)
}

type Repository struct {
	LedgerRepo LedgerRepositoryInterface
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		LedgerRepo: NewLedgerRepository(pool),
	}
}
