package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-payouts/internal/domain"
)

var ErrVersionExists = errors.New("pricing version already published")

type PricingRepositoryInterface interface {
	// SaveConfig inserts a new version. Existing versions are never overwritten.
	SaveConfig(ctx context.Context, cfg domain.PricingConfig) error
	ListConfigs(ctx context.Context) ([]domain.PricingConfig, error)

	// SavePeakRule appends a version keyed by (name, valid_from) and closes the earlier
	// versions still open at that instant. Rows are never rewritten otherwise.
	SavePeakRule(ctx context.Context, rule domain.PeakRule) error
	// ListPeakRules returns every version of every rule.
	ListPeakRules(ctx context.Context) ([]domain.PeakRule, error)

	SaveSubscription(ctx context.Context, plan domain.SubscriptionPlan) error
	ListSubscriptions(ctx context.Context, restaurantID string) ([]domain.SubscriptionPlan, error)
}

type Repository struct {
	PricingRepo PricingRepositoryInterface
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		PricingRepo: NewPricingRepository(pool),
	}
}
