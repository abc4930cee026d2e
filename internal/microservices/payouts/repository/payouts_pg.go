package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/domain"
)

type PolicyRepository struct{ db *pgxpool.Pool }

func NewPolicyRepository(db *pgxpool.Pool) PolicyRepositoryInterface {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Get(ctx context.Context, recipientID string) (domain.PayoutPolicy, error) {
	var (
		p                domain.PayoutPolicy
		role, freq, mins string
	)
	err := r.db.QueryRow(ctx, `
		SELECT recipient_id, role, frequency, minimum_payout::text, flush_on_schedule,
		       consecutive_failures, next_attempt_at, manual_review
		FROM payout_policies WHERE recipient_id = $1
	`, recipientID).Scan(&p.RecipientID, &role, &freq, &mins, &p.FlushOnSchedule,
		&p.ConsecutiveFailures, &p.NextAttemptAt, &p.ManualReview)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PayoutPolicy{}, fmt.Errorf("%w: policy %s", domain.ErrNotFound, recipientID)
	}
	if err != nil {
		return domain.PayoutPolicy{}, fmt.Errorf("failed to get payout policy: %w", err)
	}
	p.Role = domain.RecipientRole(role)
	p.Frequency = domain.PayoutFrequency(freq)
	if p.MinimumPayout, err = decimal.NewFromString(mins); err != nil {
		return domain.PayoutPolicy{}, fmt.Errorf("parse minimum payout: %w", err)
	}
	return p, nil
}

func (r *PolicyRepository) Save(ctx context.Context, p domain.PayoutPolicy) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_policies (recipient_id, role, frequency, minimum_payout, flush_on_schedule,
		                             consecutive_failures, next_attempt_at, manual_review)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (recipient_id) DO UPDATE SET
			role = EXCLUDED.role,
			frequency = EXCLUDED.frequency,
			minimum_payout = EXCLUDED.minimum_payout,
			flush_on_schedule = EXCLUDED.flush_on_schedule,
			consecutive_failures = EXCLUDED.consecutive_failures,
			next_attempt_at = EXCLUDED.next_attempt_at,
			manual_review = EXCLUDED.manual_review
	`, p.RecipientID, string(p.Role), string(p.Frequency), p.MinimumPayout.String(), p.FlushOnSchedule,
		p.ConsecutiveFailures, p.NextAttemptAt, p.ManualReview)
	if err != nil {
		return fmt.Errorf("failed to save payout policy: %w", err)
	}
	return nil
}

const batchColumns = `id, recipient_id, recipient_role, transaction_ids, total::text, currency, status,
	rail_reference, failure_reason, created_at, updated_at`

type BatchRepository struct{ db *pgxpool.Pool }

func NewBatchRepository(db *pgxpool.Pool) BatchRepositoryInterface {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, b domain.PayoutBatch) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_batches (id, recipient_id, recipient_role, transaction_ids, total, currency,
		                            status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $8)
	`, b.ID, b.RecipientID, string(b.RecipientRole), b.TransactionIDs, b.Total.String(), b.Currency,
		string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) Get(ctx context.Context, id string) (domain.PayoutBatch, error) {
	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PayoutBatch{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return b, err
}

func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus, reference, reason string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_batches
		SET status = $3,
		    rail_reference = CASE WHEN $4 = '' THEN rail_reference ELSE $4 END,
		    failure_reason = $5,
		    updated_at = $6
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), reference, reason, at)
	if err != nil {
		return false, fmt.Errorf("failed to update batch status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *BatchRepository) ListByRecipient(ctx context.Context, recipientID string) ([]domain.PayoutBatch, error) {
	return r.list(ctx, `SELECT `+batchColumns+` FROM payout_batches
		WHERE recipient_id = $1 ORDER BY created_at DESC`, recipientID)
}

func (r *BatchRepository) ListByStatus(ctx context.Context, status domain.BatchStatus, olderThan time.Time, limit int) ([]domain.PayoutBatch, error) {
	return r.list(ctx, `SELECT `+batchColumns+` FROM payout_batches
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, string(status), olderThan, limit)
}

func (r *BatchRepository) list(ctx context.Context, query string, args ...any) ([]domain.PayoutBatch, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout batches: %w", err)
	}
	defer rows.Close()

	var out []domain.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (domain.PayoutBatch, error) {
	var (
		b                   domain.PayoutBatch
		role, status, total string
	)
	err := row.Scan(&b.ID, &b.RecipientID, &role, &b.TransactionIDs, &total, &b.Currency, &status,
		&b.RailReference, &b.FailureReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.PayoutBatch{}, err
	}
	b.RecipientRole = domain.RecipientRole(role)
	b.Status = domain.BatchStatus(status)
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return domain.PayoutBatch{}, fmt.Errorf("parse batch total: %w", err)
	}
	return b, nil
}

type ReceiptRepository struct{ db *pgxpool.Pool }

func NewReceiptRepository(db *pgxpool.Pool) ReceiptRepositoryInterface {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) Save(ctx context.Context, rc domain.RailReceipt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rail_receipts (idempotency_key, batch_id, status, reference, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = EXCLUDED.status,
			reference = EXCLUDED.reference,
			reason = EXCLUDED.reason,
			at = EXCLUDED.at
		WHERE rail_receipts.status NOT IN ('confirmed', 'rejected')
	`, rc.IdempotencyKey, rc.BatchID, string(rc.Status), rc.Reference, rc.Reason, rc.At)
	if err != nil {
		return fmt.Errorf("failed to save rail receipt: %w", err)
	}
	return nil
}

func (r *ReceiptRepository) Get(ctx context.Context, key string) (domain.RailReceipt, error) {
	var rc domain.RailReceipt
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT idempotency_key, batch_id, status, reference, reason, at
		FROM rail_receipts WHERE idempotency_key = $1
	`, key).Scan(&rc.IdempotencyKey, &rc.BatchID, &status, &rc.Reference, &rc.Reason, &rc.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RailReceipt{}, fmt.Errorf("%w: receipt %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return domain.RailReceipt{}, fmt.Errorf("failed to get rail receipt: %w", err)
	}
	rc.Status = domain.RailStatus(status)
	return rc, nil
}
