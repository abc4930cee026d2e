package repository

import (
	"context"
	"sort"
	"sync"

	"restaurant-payouts/internal/domain"
)

// MemoryRepository keeps pricing data in process; used by tests and local runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	configs map[string]domain.PricingConfig
	rules   map[string][]domain.PeakRule
	plans   map[string][]domain.SubscriptionPlan
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		configs: map[string]domain.PricingConfig{},
		rules:   map[string][]domain.PeakRule{},
		plans:   map[string][]domain.SubscriptionPlan{},
	}
}

func (m *MemoryRepository) SaveConfig(_ context.Context, cfg domain.PricingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.Version]; ok {
		return ErrVersionExists
	}
	for _, c := range m.configs {
		if c.EffectiveFrom.Equal(cfg.EffectiveFrom) {
			return ErrVersionExists
		}
	}
	m.configs[cfg.Version] = cfg
	return nil
}

func (m *MemoryRepository) ListConfigs(_ context.Context) ([]domain.PricingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PricingConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func (m *MemoryRepository) SavePeakRule(_ context.Context, rule domain.PeakRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.rules[rule.Name]
	for _, v := range versions {
		if v.ValidFrom.Equal(rule.ValidFrom) {
			return ErrVersionExists
		}
	}
	for i, v := range versions {
		if v.ValidFrom.Before(rule.ValidFrom) && (v.ValidUntil.IsZero() || v.ValidUntil.After(rule.ValidFrom)) {
			versions[i].ValidUntil = rule.ValidFrom
		}
	}
	m.rules[rule.Name] = append(versions, rule)
	return nil
}

func (m *MemoryRepository) ListPeakRules(_ context.Context) ([]domain.PeakRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PeakRule
	for _, versions := range m.rules {
		out = append(out, versions...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out, nil
}

func (m *MemoryRepository) SaveSubscription(_ context.Context, plan domain.SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plans := m.plans[plan.RestaurantID]
	for i, p := range plans {
		if p.ValidFrom.Equal(plan.ValidFrom) {
			plans[i] = plan
			return nil
		}
	}
	m.plans[plan.RestaurantID] = append(plans, plan)
	return nil
}

func (m *MemoryRepository) ListSubscriptions(_ context.Context, restaurantID string) ([]domain.SubscriptionPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]domain.SubscriptionPlan(nil), m.plans[restaurantID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}
