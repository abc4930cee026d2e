package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/domain"
)

// Seed publishes the pricing versions, peak rules and subscriptions from the config file.
// Versions already published with identical content are skipped.
func Seed(ctx context.Context, svc PricingServiceInterface, cfg config.PricingConfig) error {
	for _, v := range cfg.Versions {
		pc, err := versionFromConfig(v)
		if err != nil {
			return err
		}
		if err := svc.Publish(ctx, pc); err != nil {
			return fmt.Errorf("seed pricing %s: %w", v.Version, err)
		}
	}
	for _, r := range cfg.PeakRules {
		rule, err := peakRuleFromConfig(r)
		if err != nil {
			return err
		}
		if err := svc.SavePeakRule(ctx, rule); err != nil {
			return fmt.Errorf("seed peak rule %s: %w", r.Name, err)
		}
	}
	for _, sc := range cfg.Subscriptions {
		plan, err := subscriptionFromConfig(sc)
		if err != nil {
			return err
		}
		if err := svc.SaveSubscription(ctx, plan); err != nil {
			return fmt.Errorf("seed subscription %s: %w", sc.RestaurantID, err)
		}
	}
	return nil
}

type decParser struct{ err error }

func (p *decParser) dec(field, s string) decimal.Decimal {
	if p.err != nil || strings.TrimSpace(s) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d
}

func (p *decParser) time(field, s string) time.Time {
	if p.err != nil || strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return t
}

func versionFromConfig(v config.PricingVersionConfig) (domain.PricingConfig, error) {
	var p decParser
	pc := domain.PricingConfig{
		Version:               v.Version,
		EffectiveFrom:         p.time("effective_from", v.EffectiveFrom),
		Currency:              v.Currency,
		CommissionRate:        p.dec("commission_rate", v.CommissionRate),
		ServiceFeeRate:        p.dec("service_fee_rate", v.ServiceFeeRate),
		DeliveryFee:           p.dec("delivery_fee", v.DeliveryFee),
		SmallOrderThreshold:   p.dec("small_order_threshold", v.SmallOrderThreshold),
		SmallOrderFee:         p.dec("small_order_fee", v.SmallOrderFee),
		TaxRate:               p.dec("tax_rate", v.TaxRate),
		ProcessingRate:        p.dec("processing_rate", v.ProcessingRate),
		ProcessingFixed:       p.dec("processing_fixed", v.ProcessingFixed),
		DriverBasePay:         p.dec("driver_base_pay", v.DriverBasePay),
		DriverPerMile:         p.dec("driver_per_mile", v.DriverPerMile),
		DriverPerMinute:       p.dec("driver_per_minute", v.DriverPerMinute),
		ReservationPerCover:   p.dec("reservation_per_cover", v.ReservationPerCover),
		ReservationMinimumFee: p.dec("reservation_minimum_fee", v.ReservationMinimumFee),
		NoShowFee:             p.dec("no_show_fee", v.NoShowFee),
		NoShowRestaurantShare: p.dec("no_show_restaurant_share", v.NoShowRestaurantShare),
	}
	if p.err != nil {
		return domain.PricingConfig{}, fmt.Errorf("pricing version %s: %w", v.Version, p.err)
	}
	if pc.Currency == "" {
		pc.Currency = "USD"
	}
	return pc, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func peakRuleFromConfig(r config.PeakRuleConfig) (domain.PeakRule, error) {
	var p decParser
	rule := domain.PeakRule{
		Name:       r.Name,
		Multiplier: p.dec("multiplier", r.Multiplier),
		Active:     r.Active,
		Weather:    r.Weather,
		ValidFrom:  p.time("valid_from", r.ValidFrom),
		ValidUntil: p.time("valid_until", r.ValidUntil),
	}
	if r.StartMinute != nil && r.EndMinute != nil {
		rule.Window = &domain.TimeWindow{StartMinute: *r.StartMinute, EndMinute: *r.EndMinute}
	}
	for _, d := range r.Weekdays {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return domain.PeakRule{}, fmt.Errorf("peak rule %s: unknown weekday %q", r.Name, d)
		}
		rule.Weekdays = append(rule.Weekdays, wd)
	}
	if r.CenterLat != nil && r.CenterLng != nil && r.RadiusKm > 0 {
		rule.Geofence = &domain.Geofence{
			Center:   domain.Location{Lat: *r.CenterLat, Lng: *r.CenterLng},
			RadiusKm: r.RadiusKm,
		}
	}
	if strings.TrimSpace(r.MinDemand) != "" {
		d := p.dec("min_demand", r.MinDemand)
		rule.MinDemand = &d
	}
	if p.err != nil {
		return domain.PeakRule{}, fmt.Errorf("peak rule %s: %w", r.Name, p.err)
	}
	return rule, nil
}

func subscriptionFromConfig(sc config.SubscriptionConfig) (domain.SubscriptionPlan, error) {
	var p decParser
	plan := domain.SubscriptionPlan{
		RestaurantID:  sc.RestaurantID,
		Plan:          sc.Plan,
		CommissionOff: p.dec("commission_off", sc.CommissionOff),
		ValidFrom:     p.time("valid_from", sc.ValidFrom),
		ValidUntil:    p.time("valid_until", sc.ValidUntil),
	}
	if p.err != nil {
		return domain.SubscriptionPlan{}, fmt.Errorf("subscription %s: %w", sc.RestaurantID, p.err)
	}
	return plan, nil
}
