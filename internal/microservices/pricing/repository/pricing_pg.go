package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

type PricingRepository struct {
	db *pgxpool.Pool
}

func NewPricingRepository(db *pgxpool.Pool) PricingRepositoryInterface {
	return &PricingRepository{db: db}
}

func (r *PricingRepository) SaveConfig(ctx context.Context, cfg domain.PricingConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal pricing config: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO pricing_configs (version, effective_from, body, published_at)
		VALUES ($1, $2, $3, now())
	`, cfg.Version, cfg.EffectiveFrom, body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionExists
		}
		return fmt.Errorf("failed to insert pricing config: %w", err)
	}
	return nil
}

func (r *PricingRepository) ListConfigs(ctx context.Context) ([]domain.PricingConfig, error) {
	rows, err := r.db.Query(ctx, `SELECT body FROM pricing_configs ORDER BY effective_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing configs: %w", err)
	}
	defer rows.Close()

	var out []domain.PricingConfig
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cfg domain.PricingConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("decode pricing config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *PricingRepository) SavePeakRule(ctx context.Context, rule domain.PeakRule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal peak rule: %w", err)
	}
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
		INSERT INTO peak_rules (name, valid_from, valid_until, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, valid_from) DO NOTHING
	`, rule.Name, rule.ValidFrom, nullTime(rule.ValidUntil), body)
	if err != nil {
		return fmt.Errorf("failed to insert peak rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionExists
	}
	_, err = tx.Exec(ctx, `
		UPDATE peak_rules SET valid_until = $2
		WHERE name = $1 AND valid_from < $2 AND (valid_until IS NULL OR valid_until > $2)
	`, rule.Name, rule.ValidFrom)
	if err != nil {
		return fmt.Errorf("failed to close peak rule %s: %w", rule.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit peak rule: %w", err)
	}
	committed = true
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *PricingRepository) ListPeakRules(ctx context.Context) ([]domain.PeakRule, error) {
	rows, err := r.db.Query(ctx, `SELECT body, valid_until FROM peak_rules ORDER BY name, valid_from`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peak rules: %w", err)
	}
	defer rows.Close()

	var out []domain.PeakRule
	for rows.Next() {
		var (
			body  []byte
			until *time.Time
		)
		if err := rows.Scan(&body, &until); err != nil {
			return nil, err
		}
		var rule domain.PeakRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("decode peak rule: %w", err)
		}
		// the column is authoritative: later versions close it
		if until != nil {
			rule.ValidUntil = *until
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *PricingRepository) SaveSubscription(ctx context.Context, plan domain.SubscriptionPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO subscription_plans (restaurant_id, valid_from, body) VALUES ($1, $2, $3)
		ON CONFLICT (restaurant_id, valid_from) DO UPDATE SET body = EXCLUDED.body
	`, plan.RestaurantID, plan.ValidFrom, body)
	return err
}

func (r *PricingRepository) ListSubscriptions(ctx context.Context, restaurantID string) ([]domain.SubscriptionPlan, error) {
	rows, err := r.db.Query(ctx, `
		SELECT body FROM subscription_plans WHERE restaurant_id = $1 ORDER BY valid_from
	`, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.SubscriptionPlan
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var plan domain.SubscriptionPlan
		if err := json.Unmarshal(body, &plan); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}
