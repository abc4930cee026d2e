package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

const stateColumns = `order_id, kind, status, version, settled_status, needs_reconciliation, reconcile_reason, updated_at`

type OrderRepository struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *pgxpool.Pool) OrderRepositoryInterface {
	return &OrderRepository{db: db}
}

func (or *OrderRepository) Get(ctx context.Context, orderID string) (domain.OrderState, error) {
	st, err := scanState(or.db.QueryRow(ctx, `SELECT `+stateColumns+` FROM order_states WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderState{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("failed to get order state: %w", err)
	}
	return st, nil
}

func (or *OrderRepository) Ensure(ctx context.Context, orderID string, kind domain.OrderKind, status domain.OrderStatus) (domain.OrderState, error) {
	_, err := or.db.Exec(ctx, `
		INSERT INTO order_states (order_id, kind, status, version, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, string(kind), string(status))
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("failed to register order: %w", err)
	}
	return or.Get(ctx, orderID)
}

func (or *OrderRepository) CompareAndSet(ctx context.Context, rec domain.TransitionRecord) (bool, error) {
	tx, err := or.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// 1. Версия должна совпасть, иначе переход уже сделал кто-то другой
	tag, err := tx.Exec(ctx, `
		UPDATE order_states
		SET status = $3, version = $4, updated_at = $5
		WHERE order_id = $1 AND version = $2 AND status = $6
	`, rec.OrderID, rec.Version-1, string(rec.ToStatus), rec.Version, rec.ChangedAt, string(rec.FromStatus))
	if err != nil {
		return false, fmt.Errorf("failed to update order state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	// 2. Лог переходов
	_, err = tx.Exec(ctx, `
		INSERT INTO order_transition_log (order_id, from_status, to_status, event, version, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.OrderID, string(rec.FromStatus), string(rec.ToStatus), rec.Event, rec.Version, rec.ChangedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert transition log: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (or *OrderRepository) MarkSettled(ctx context.Context, orderID string, status domain.OrderStatus) error {
	_, err := or.db.Exec(ctx, `
		UPDATE order_states SET settled_status = $2, needs_reconciliation = FALSE, reconcile_reason = ''
		WHERE order_id = $1 AND status = $2
	`, orderID, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark order settled: %w", err)
	}
	return nil
}

func (or *OrderRepository) FlagReconciliation(ctx context.Context, orderID, reason string) error {
	_, err := or.db.Exec(ctx, `
		UPDATE order_states SET needs_reconciliation = TRUE, reconcile_reason = $2, updated_at = NOW()
		WHERE order_id = $1
	`, orderID, reason)
	if err != nil {
		return fmt.Errorf("failed to flag order: %w", err)
	}
	return nil
}

func (or *OrderRepository) ListReconciliation(ctx context.Context, limit int) ([]domain.OrderState, error) {
	rows, err := or.db.Query(ctx, `
		SELECT `+stateColumns+` FROM order_states
		WHERE needs_reconciliation ORDER BY updated_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (or *OrderRepository) History(ctx context.Context, orderID string) ([]domain.TransitionRecord, error) {
	rows, err := or.db.Query(ctx, `
		SELECT order_id, from_status, to_status, event, version, changed_at
		FROM order_transition_log WHERE order_id = $1 ORDER BY version
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transition log: %w", err)
	}
	defer rows.Close()

	var out []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to string
		if err := rows.Scan(&rec.OrderID, &from, &to, &rec.Event, &rec.Version, &rec.ChangedAt); err != nil {
			return nil, err
		}
		rec.FromStatus, rec.ToStatus = domain.OrderStatus(from), domain.OrderStatus(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanState(row pgx.Row) (domain.OrderState, error) {
	var st domain.OrderState
	var kind, status, settled string
	err := row.Scan(&st.OrderID, &kind, &status, &st.Version, &settled,
		&st.NeedsReconciliation, &st.ReconcileReason, &st.UpdatedAt)
	if err != nil {
		return domain.OrderState{}, err
	}
	st.Kind = domain.OrderKind(kind)
	st.Status = domain.OrderStatus(status)
	st.SettledStatus = domain.OrderStatus(settled)
	return st, nil
}
