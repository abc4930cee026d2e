package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/domain"
)

var one = decimal.NewFromInt(1)

// CalculatorInterface splits the money of one terminal transition.
type CalculatorInterface interface {
	Settle(order domain.OrderEvent, cfg domain.PricingConfig, peakRules []domain.PeakRule, discount decimal.Decimal) (domain.SettlementBreakdown, error)
}

// Calculator is pure and stateless, safe for concurrent use.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Settle(order domain.OrderEvent, cfg domain.PricingConfig, peakRules []domain.PeakRule, discount decimal.Decimal) (domain.SettlementBreakdown, error) {
	if err := order.Validate(); err != nil {
		return domain.SettlementBreakdown{}, err
	}
	if discount.IsNegative() {
		return domain.SettlementBreakdown{}, fmt.Errorf("%w: negative subscription discount", domain.ErrCalculation)
	}

	b := domain.SettlementBreakdown{
		OrderID:        order.OrderID,
		Kind:           order.Kind,
		EventType:      order.Status,
		PricingVersion: cfg.Version,
		Currency:       order.Currency,
		PeakMultiplier: one,
	}
	if b.Currency == "" {
		b.Currency = cfg.Currency
	}

	var err error
	switch {
	case order.Kind == domain.KindDelivery && order.Status == domain.StatusDelivered:
		settleDelivery(&b, order, cfg, peakRules, discount)
	case order.Kind == domain.KindReservation && order.Status == domain.StatusCompleted:
		settleReservation(&b, order, cfg)
	case order.Kind == domain.KindReservation && order.Status == domain.StatusNoShow:
		err = settleNoShow(&b, cfg)
	default:
		err = fmt.Errorf("%w: %s order has no settlement for status %q", domain.ErrCalculation, order.Kind, order.Status)
	}
	if err != nil {
		return domain.SettlementBreakdown{}, err
	}

	// remainder, never computed on its own
	b.PlatformNet = b.GrossTotal.Sub(b.RestaurantNet).Sub(b.DriverNet).Sub(b.ProcessingFee).Sub(b.Taxes)
	b.MustConserve()
	return b, nil
}

// A subsidised order leaves PlatformNet negative; that is still conserved.
func settleDelivery(b *domain.SettlementBreakdown, o domain.OrderEvent, cfg domain.PricingConfig, peakRules []domain.PeakRule, discount decimal.Decimal) {
	subtotal := o.Subtotal
	serviceFee := cfg.ServiceFeeRate.Mul(subtotal)
	smallOrderFee := decimal.Zero
	if cfg.SmallOrderThreshold.IsPositive() && subtotal.LessThan(cfg.SmallOrderThreshold) {
		smallOrderFee = cfg.SmallOrderFee
	}
	taxes := cfg.TaxRate.Mul(subtotal)
	if o.Tax != nil {
		taxes = *o.Tax
	}

	b.OrderValue = domain.RoundMoney(subtotal)
	b.DeliveryFee = domain.RoundMoney(cfg.DeliveryFee)
	b.ServiceFee = domain.RoundMoney(serviceFee)
	b.SmallOrderFee = domain.RoundMoney(smallOrderFee)
	b.Taxes = domain.RoundMoney(taxes)
	b.Tip = domain.RoundMoney(o.Tip)
	b.GrossTotal = domain.SumMoney(b.OrderValue, b.DeliveryFee, b.ServiceFee, b.SmallOrderFee, b.Taxes, b.Tip)

	b.ProcessingFee = domain.RoundMoney(cfg.ProcessingRate.Mul(b.GrossTotal).Add(cfg.ProcessingFixed))

	rate := cfg.CommissionRate.Sub(discount)
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	restaurantNet := subtotal.Mul(one.Sub(rate))
	b.RestaurantNet = domain.RoundMoney(restaurantNet)
	b.Commission = b.OrderValue.Sub(b.RestaurantNet)

	b.PeakMultiplier, b.PeakRule = PeakMultiplier(peakRules, o)
	basePay := cfg.DriverBasePay.
		Add(cfg.DriverPerMile.Mul(o.DistanceMi)).
		Add(cfg.DriverPerMinute.Mul(o.DurationMin))
	b.DriverBasePay = domain.RoundMoney(basePay)
	// tip is paid on top of the multiplied pay, never multiplied itself
	b.DriverNet = domain.RoundMoney(basePay.Mul(b.PeakMultiplier).Add(o.Tip))
}

// Reservation taxes are part of the bill the restaurant collects, so they stay in restaurantNet.
func settleReservation(b *domain.SettlementBreakdown, o domain.OrderEvent, cfg domain.PricingConfig) {
	b.OrderValue = domain.RoundMoney(o.Subtotal)
	b.Tip = domain.RoundMoney(o.Tip)
	gross := domain.SumMoney(b.OrderValue, b.Tip, domain.RoundMoney(o.TaxAmount()))
	b.GrossTotal = gross

	perCover := cfg.ReservationPerCover.Mul(decimal.NewFromInt(int64(o.PartySize)))
	b.Commission = domain.RoundMoney(domain.MaxMoney(perCover, cfg.ReservationMinimumFee))
	b.RestaurantNet = gross.Sub(b.Commission)
	b.Taxes = decimal.Zero
	b.ProcessingFee = decimal.Zero
	b.DriverNet = decimal.Zero
}

func settleNoShow(b *domain.SettlementBreakdown, cfg domain.PricingConfig) error {
	share := cfg.NoShowRestaurantShare
	if share.IsNegative() || share.GreaterThan(one) {
		return fmt.Errorf("%w: no-show restaurant share %s out of range", domain.ErrCalculation, share)
	}
	b.GrossTotal = domain.RoundMoney(cfg.NoShowFee)
	b.RestaurantNet = domain.RoundMoney(cfg.NoShowFee.Mul(share))
	b.Commission = b.GrossTotal.Sub(b.RestaurantNet)
	b.OrderValue = decimal.Zero
	b.Taxes = decimal.Zero
	b.ProcessingFee = decimal.Zero
	b.DriverNet = decimal.Zero
	return nil
}

// PeakMultiplier returns the highest multiplier among matching rules (rules never stack),
// or 1 when none match.
func PeakMultiplier(rules []domain.PeakRule, o domain.OrderEvent) (decimal.Decimal, string) {
	at := o.PricedAt()
	best, name := one, ""
	for _, r := range rules {
		if !r.Matches(o, at) {
			continue
		}
		if r.Multiplier.GreaterThan(best) {
			best, name = r.Multiplier, r.Name
		}
	}
	return best, name
}
