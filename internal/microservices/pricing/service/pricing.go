package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/pricing/repository"
)

// PricingServiceInterface is the pricing config store seen by the settler.
type PricingServiceInterface interface {
	// GetConfig returns the latest config whose EffectiveFrom <= asOf.
	GetConfig(ctx context.Context, asOf time.Time) (domain.PricingConfig, error)
	// Publish adds a new immutable version. Republishing an identical version is a no-op.
	Publish(ctx context.Context, cfg domain.PricingConfig) error
	ActivePeakRules(ctx context.Context, at time.Time) ([]domain.PeakRule, error)
	SavePeakRule(ctx context.Context, rule domain.PeakRule) error
	SubscriptionDiscount(ctx context.Context, restaurantID string, at time.Time) (decimal.Decimal, error)
	SaveSubscription(ctx context.Context, plan domain.SubscriptionPlan) error
}

var ErrImmutableVersion = errors.New("pricing version is immutable")

type PricingService struct {
	repo repository.PricingRepositoryInterface
	lg   *logger.Logger

	mu       sync.RWMutex
	loadedAt time.Time
	ttl      time.Duration
	configs  []domain.PricingConfig // sorted by EffectiveFrom
	now      func() time.Time
}

func NewPricingService(repo repository.PricingRepositoryInterface, lg *logger.Logger) *PricingService {
	if lg == nil {
		lg = logger.Nop()
	}
	return &PricingService{repo: repo, lg: lg, ttl: time.Minute, now: time.Now}
}

// snapshots serves the cached versions only for instants before the last load.
// Anything at or after it may be covered by a version another instance published since.
func (s *PricingService) snapshots(ctx context.Context, asOf time.Time) ([]domain.PricingConfig, error) {
	s.mu.RLock()
	if !s.loadedAt.IsZero() && s.now().Sub(s.loadedAt) < s.ttl && asOf.Before(s.loadedAt) {
		out := s.configs
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()
	return s.reload(ctx)
}

func (s *PricingService) reload(ctx context.Context) ([]domain.PricingConfig, error) {
	configs, err := s.repo.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing configs: %w", err)
	}
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].EffectiveFrom.Before(configs[j].EffectiveFrom) })
	s.mu.Lock()
	s.configs = configs
	s.loadedAt = s.now()
	s.mu.Unlock()
	return configs, nil
}

func (s *PricingService) GetConfig(ctx context.Context, asOf time.Time) (domain.PricingConfig, error) {
	configs, err := s.snapshots(ctx, asOf)
	if err != nil {
		return domain.PricingConfig{}, err
	}
	// first index with EffectiveFrom > asOf; the one before it is in effect
	i := sort.Search(len(configs), func(i int) bool { return configs[i].EffectiveFrom.After(asOf) })
	if i == 0 {
		return domain.PricingConfig{}, fmt.Errorf("%w: as of %s", domain.ErrPricingNotFound, asOf.UTC().Format(time.RFC3339))
	}
	return configs[i-1], nil
}

func (s *PricingService) Publish(ctx context.Context, cfg domain.PricingConfig) error {
	if strings.TrimSpace(cfg.Version) == "" || cfg.EffectiveFrom.IsZero() {
		return fmt.Errorf("pricing config needs version and effective_from")
	}
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission rate %s out of range", cfg.CommissionRate)
	}
	err := s.repo.SaveConfig(ctx, cfg)
	if errors.Is(err, repository.ErrVersionExists) {
		configs, lerr := s.reload(ctx)
		if lerr != nil {
			return lerr
		}
		for _, c := range configs {
			if c.Version == cfg.Version && sameConfig(c, cfg) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrImmutableVersion, cfg.Version)
	}
	if err != nil {
		return err
	}
	s.lg.Info("pricing_published", map[string]any{
		"version": cfg.Version, "effective_from": cfg.EffectiveFrom,
	})
	_, err = s.reload(ctx)
	return err
}

func (s *PricingService) ActivePeakRules(ctx context.Context, at time.Time) ([]domain.PeakRule, error) {
	rules, err := s.repo.ListPeakRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load peak rules: %w", err)
	}
	out := rules[:0]
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if !r.ValidFrom.IsZero() && at.Before(r.ValidFrom) {
			continue
		}
		if !r.ValidUntil.IsZero() && !at.Before(r.ValidUntil) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SavePeakRule appends a new version of the named rule. The version currently open is
// closed at the new ValidFrom (now, when unset), so orders completed earlier keep the
// multiplier they were priced with. Saving content identical to the open version is a no-op.
func (s *PricingService) SavePeakRule(ctx context.Context, rule domain.PeakRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("peak rule needs a name")
	}
	if rule.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("peak rule %s: multiplier %s below 1", rule.Name, rule.Multiplier)
	}
	rules, err := s.repo.ListPeakRules(ctx)
	if err != nil {
		return fmt.Errorf("load peak rules: %w", err)
	}
	current, ok := latestVersion(rules, rule.Name)
	if ok && samePeakRule(current, rule) {
		return nil
	}
	if ok && rule.ValidFrom.IsZero() {
		rule.ValidFrom = s.now().UTC()
	}
	if ok && !rule.ValidFrom.After(current.ValidFrom) {
		return fmt.Errorf("%w: peak rule %s must start after %s",
			ErrImmutableVersion, rule.Name, current.ValidFrom.UTC().Format(time.RFC3339))
	}
	err = s.repo.SavePeakRule(ctx, rule)
	if errors.Is(err, repository.ErrVersionExists) {
		// a concurrent writer got there first; fine if it wrote the same thing
		rules, lerr := s.repo.ListPeakRules(ctx)
		if lerr != nil {
			return fmt.Errorf("load peak rules: %w", lerr)
		}
		if current, ok := latestVersion(rules, rule.Name); ok && samePeakRule(current, rule) {
			return nil
		}
		return fmt.Errorf("%w: peak rule %s", ErrImmutableVersion, rule.Name)
	}
	if err != nil {
		return err
	}
	s.lg.Info("peak_rule_saved", map[string]any{
		"name": rule.Name, "multiplier": rule.Multiplier.String(), "valid_from": rule.ValidFrom,
	})
	return nil
}

func latestVersion(rules []domain.PeakRule, name string) (domain.PeakRule, bool) {
	var (
		out   domain.PeakRule
		found bool
	)
	for _, r := range rules {
		if r.Name == name && (!found || r.ValidFrom.After(out.ValidFrom)) {
			out, found = r, true
		}
	}
	return out, found
}

// samePeakRule ignores ValidFrom unless the caller pinned it.
func samePeakRule(stored, next domain.PeakRule) bool {
	if next.ValidFrom.IsZero() {
		stored.ValidFrom = time.Time{}
	}
	stored.ValidFrom, next.ValidFrom = stored.ValidFrom.UTC(), next.ValidFrom.UTC()
	stored.ValidUntil, next.ValidUntil = stored.ValidUntil.UTC(), next.ValidUntil.UTC()
	ja, errA := json.Marshal(stored)
	jb, errB := json.Marshal(next)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (s *PricingService) SubscriptionDiscount(ctx context.Context, restaurantID string, at time.Time) (decimal.Decimal, error) {
	plans, err := s.repo.ListSubscriptions(ctx, restaurantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load subscriptions: %w", err)
	}
	best := decimal.Zero
	for _, p := range plans {
		if p.ActiveAt(at) && p.CommissionOff.GreaterThan(best) {
			best = p.CommissionOff
		}
	}
	return best, nil
}

func (s *PricingService) SaveSubscription(ctx context.Context, plan domain.SubscriptionPlan) error {
	if strings.TrimSpace(plan.RestaurantID) == "" {
		return fmt.Errorf("subscription needs a restaurant id")
	}
	if plan.CommissionOff.IsNegative() {
		return fmt.Errorf("subscription discount must not be negative")
	}
	return s.repo.SaveSubscription(ctx, plan)
}

func sameConfig(a, b domain.PricingConfig) bool {
	a.EffectiveFrom, b.EffectiveFrom = a.EffectiveFrom.UTC(), b.EffectiveFrom.UTC()
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
