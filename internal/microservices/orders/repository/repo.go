package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

type OrderRepositoryInterface interface {
	Get(ctx context.Context, orderID string) (domain.OrderState, error)
	// Ensure registers an order first seen at status; an existing record is returned unchanged.
	Ensure(ctx context.Context, orderID string, kind domain.OrderKind, status domain.OrderStatus) (domain.OrderState, error)
	// CompareAndSet moves the order to rec.ToStatus only while its version is still rec.Version-1,
	// and appends rec to the transition log in the same transaction.
	CompareAndSet(ctx context.Context, rec domain.TransitionRecord) (bool, error)
	MarkSettled(ctx context.Context, orderID string, status domain.OrderStatus) error
	FlagReconciliation(ctx context.Context, orderID, reason string) error
	ListReconciliation(ctx context.Context, limit int) ([]domain.OrderState, error)
	History(ctx context.Context, orderID string) ([]domain.TransitionRecord, error)
}

type Repository struct {
	OrderRepo OrderRepositoryInterface
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		OrderRepo: NewOrderRepository(pool),
	}
}
