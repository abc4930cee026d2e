package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/domain"
)

const txColumns = `id, order_id, event_type, recipient_id, recipient_role, gross::text, net::text,
	currency, status, reversal_of, pricing_version, attempts, next_attempt_at, failure_reason,
	batch_id, settled_at, created_at`

type LedgerRepository struct {
	db *pgxpool.Pool
}

func NewLedgerRepository(db *pgxpool.Pool) LedgerRepositoryInterface {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) InsertSet(ctx context.Context, txs []domain.SettlementTransaction) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, t := range txs {
		_, err := tx.Exec(ctx, `
			INSERT INTO settlement_transactions (
				id, order_id, event_type, recipient_id, recipient_role, gross, net, currency,
				status, reversal_of, pricing_version, attempts, created_at
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13)
		`, t.ID, t.OrderID, string(t.EventType), t.RecipientID, string(t.RecipientRole),
			t.Gross.String(), t.Net.String(), t.Currency, string(t.Status), t.ReversalOf,
			t.PricingVer, t.Attempts, t.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateSettlement, t.Key())
			}
			return fmt.Errorf("failed to insert settlement transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	committed = true
	return nil
}

func (r *LedgerRepository) Get(ctx context.Context, id string) (domain.SettlementTransaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM settlement_transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementTransaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return t, err
}

func (r *LedgerRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (r *LedgerRepository) ListByEvent(ctx context.Context, orderID string, eventType domain.OrderStatus) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE order_id = $1 AND event_type = $2 ORDER BY recipient_role, recipient_id`, orderID, string(eventType))
}

func (r *LedgerRepository) ListByRecipient(ctx context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE recipient_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at, id`, recipientID, string(status))
}

func (r *LedgerRepository) ListByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE status = $1 ORDER BY created_at, id LIMIT $2`, string(status), limit)
}

func (r *LedgerRepository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`, from, to)
}

func (r *LedgerRepository) UpdateStatus(ctx context.Context, id string, from domain.TransactionStatus, upd StatusUpdate) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_transactions
		SET status = $3, attempts = $4, next_attempt_at = $5, failure_reason = $6
		WHERE id = $1 AND status = $2
	`, id, string(from), string(upd.Status), upd.Attempts, upd.NextAttemptAt, upd.FailureReason)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepository) DueForRetry(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE (status = 'failed' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		   OR (status = 'pending' AND created_at < $2)
		ORDER BY created_at, id LIMIT $3`, now, staleBefore, limit)
}

func (r *LedgerRepository) PayableRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT recipient_id, recipient_role FROM settlement_transactions
		WHERE status IN ('pending', 'completed') AND batch_id = '' AND settled_at IS NULL
		ORDER BY recipient_id, recipient_role
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list payable recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var rc Recipient
		var role string
		if err := rows.Scan(&rc.ID, &role); err != nil {
			return nil, err
		}
		rc.Role = domain.RecipientRole(role)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) ListPayable(ctx context.Context, recipientID string) ([]domain.SettlementTransaction, error) {
	return r.list(ctx, `SELECT `+txColumns+` FROM settlement_transactions
		WHERE recipient_id = $1 AND status IN ('pending', 'completed') AND batch_id = '' AND settled_at IS NULL
		ORDER BY created_at, id`, recipientID)
}

func (r *LedgerRepository) Reserve(ctx context.Context, batchID string, ids []string) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE settlement_transactions SET batch_id = $1
		WHERE id = ANY($2) AND status IN ('pending', 'completed') AND batch_id = '' AND settled_at IS NULL
	`, batchID, ids)
	if err != nil {
		return fmt.Errorf("failed to reserve transactions: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("%w: reserved %d of %d", ErrNotPayable, tag.RowsAffected(), len(ids))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	committed = true
	return nil
}

func (r *LedgerRepository) Release(ctx context.Context, batchID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_transactions SET batch_id = ''
		WHERE batch_id = $1 AND settled_at IS NULL
	`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to release batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) MarkSettled(ctx context.Context, batchID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_transactions SET settled_at = $2
		WHERE batch_id = $1 AND settled_at IS NULL
	`, batchID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to settle batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) list(ctx context.Context, query string, args ...any) ([]domain.SettlementTransaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (domain.SettlementTransaction, error) {
	var (
		t                domain.SettlementTransaction
		eventType, role  string
		status           string
		grossStr, netStr string
	)
	err := row.Scan(&t.ID, &t.OrderID, &eventType, &t.RecipientID, &role, &grossStr, &netStr,
		&t.Currency, &status, &t.ReversalOf, &t.PricingVer, &t.Attempts, &t.NextAttemptAt,
		&t.FailureReason, &t.BatchID, &t.SettledAt, &t.CreatedAt)
	if err != nil {
		return domain.SettlementTransaction{}, err
	}
	t.EventType = domain.OrderStatus(eventType)
	t.RecipientRole = domain.RecipientRole(role)
	t.Status = domain.TransactionStatus(status)
	if t.Gross, err = decimal.NewFromString(grossStr); err != nil {
		return domain.SettlementTransaction{}, fmt.Errorf("parse gross: %w", err)
	}
	if t.Net, err = decimal.NewFromString(netStr); err != nil {
		return domain.SettlementTransaction{}, fmt.Errorf("parse net: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
