package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/common/backoff"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/payouts/repository"
)

// PolicyStore resolves a recipient's payout policy, falling back to the role default,
// and tracks consecutive dispatch failures.
type PolicyStore struct {
	repo     repository.PolicyRepositoryInterface
	defaults map[domain.RecipientRole]domain.PayoutPolicy
	retry    backoff.Policy
	lg       *logger.Logger
	now      func() time.Time
}

func NewPolicyStore(repo repository.PolicyRepositoryInterface, cfg config.PayoutsConfig, lg *logger.Logger) (*PolicyStore, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	defaults := make(map[domain.RecipientRole]domain.PayoutPolicy, len(cfg.Defaults))
	for role, pc := range cfg.Defaults {
		minimum, err := decimal.NewFromString(pc.MinimumPayout)
		if err != nil {
			return nil, fmt.Errorf("payouts.defaults.%s.minimum_payout: %w", role, err)
		}
		p := domain.PayoutPolicy{
			Role:            domain.RecipientRole(role),
			Frequency:       domain.PayoutFrequency(pc.Frequency),
			MinimumPayout:   minimum,
			FlushOnSchedule: pc.FlushOnSchedule,
		}
		if err := validatePolicy(p); err != nil {
			return nil, fmt.Errorf("payouts.defaults.%s: %w", role, err)
		}
		defaults[p.Role] = p
	}
	return &PolicyStore{
		repo:     repo,
		defaults: defaults,
		retry: backoff.Policy{
			Base:        cfg.BaseBackoff,
			Max:         cfg.MaxBackoff,
			MaxAttempts: cfg.MaxDispatchFailures,
		},
		lg:  lg,
		now: time.Now,
	}, nil
}

func validatePolicy(p domain.PayoutPolicy) error {
	if !p.Frequency.Valid() {
		return fmt.Errorf("unknown payout frequency %q", p.Frequency)
	}
	if p.MinimumPayout.IsNegative() {
		return fmt.Errorf("minimum payout must not be negative")
	}
	return nil
}

// Get returns the stored policy, or the role default when the recipient has none.
func (s *PolicyStore) Get(ctx context.Context, recipientID string, role domain.RecipientRole) (domain.PayoutPolicy, error) {
	p, err := s.repo.Get(ctx, recipientID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.PayoutPolicy{}, err
	}
	def, ok := s.defaults[role]
	if !ok {
		return domain.PayoutPolicy{}, fmt.Errorf("%w: no payout policy for %s (%s)", domain.ErrNotFound, recipientID, role)
	}
	def.RecipientID = recipientID
	return def, nil
}

func (s *PolicyStore) Set(ctx context.Context, p domain.PayoutPolicy) error {
	if p.RecipientID == "" {
		return fmt.Errorf("recipient id is required")
	}
	if err := validatePolicy(p); err != nil {
		return err
	}
	return s.repo.Save(ctx, p)
}

// Due reports whether the policy lets a batch be built at now.
func (s *PolicyStore) Due(p domain.PayoutPolicy) bool {
	if p.ManualReview {
		return false
	}
	return p.NextAttemptAt == nil || !p.NextAttemptAt.After(s.now())
}

// RecordFailure pushes the next attempt out; the recipient is held for manual review once failures are exhausted.
func (s *PolicyStore) RecordFailure(ctx context.Context, p domain.PayoutPolicy, reason string) (domain.PayoutPolicy, error) {
	p.ConsecutiveFailures++
	next := s.retry.Next(s.now().UTC(), p.ConsecutiveFailures)
	p.NextAttemptAt = &next
	if s.retry.Exhausted(p.ConsecutiveFailures) {
		p.ManualReview = true
		s.lg.Error("payout_manual_review", errors.New(reason), map[string]any{
			"recipient_id": p.RecipientID, "failures": p.ConsecutiveFailures,
		})
	} else {
		s.lg.Warn("payout_backoff", map[string]any{
			"recipient_id": p.RecipientID, "failures": p.ConsecutiveFailures,
			"next_attempt_at": next, "reason": reason,
		})
	}
	return p, s.repo.Save(ctx, p)
}

func (s *PolicyStore) RecordSuccess(ctx context.Context, p domain.PayoutPolicy) error {
	if p.ConsecutiveFailures == 0 && p.NextAttemptAt == nil {
		return nil
	}
	p.ConsecutiveFailures = 0
	p.NextAttemptAt = nil
	return s.repo.Save(ctx, p)
}
