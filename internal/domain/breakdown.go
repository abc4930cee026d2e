package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SettlementBreakdown is the money split for one terminal transition.
// All fields are rounded to cents; PlatformNet is the remainder.
type SettlementBreakdown struct {
	OrderID        string          `json:"order_id"`
	Kind           OrderKind       `json:"kind"`
	EventType      OrderStatus     `json:"event_type"`
	PricingVersion string          `json:"pricing_version"`
	Currency       string          `json:"currency"`
	GrossTotal     decimal.Decimal `json:"gross_total"`
	OrderValue     decimal.Decimal `json:"order_value"`
	DeliveryFee    decimal.Decimal `json:"delivery_fee"`
	ServiceFee     decimal.Decimal `json:"service_fee"`
	SmallOrderFee  decimal.Decimal `json:"small_order_fee"`
	Commission     decimal.Decimal `json:"commission"`
	Tip            decimal.Decimal `json:"tip"`
	Taxes          decimal.Decimal `json:"taxes"`
	ProcessingFee  decimal.Decimal `json:"processing_fee"`
	PeakMultiplier decimal.Decimal `json:"peak_multiplier"`
	PeakRule       string          `json:"peak_rule,omitempty"`
	DriverBasePay  decimal.Decimal `json:"driver_base_pay"`
	RestaurantNet  decimal.Decimal `json:"restaurant_net"`
	DriverNet      decimal.Decimal `json:"driver_net"`
	PlatformNet    decimal.Decimal `json:"platform_net"`
}

// Conserves reports whether the splits add back up to the gross total exactly.
func (b SettlementBreakdown) Conserves() bool {
	sum := SumMoney(b.RestaurantNet, b.DriverNet, b.PlatformNet, b.Taxes, b.ProcessingFee)
	return sum.Equal(b.GrossTotal)
}

// MustConserve panics when the breakdown leaks money. That is a calculator defect,
// never a business condition, so it is not returned as an error.
func (b SettlementBreakdown) MustConserve() {
	if !b.Conserves() {
		panic(fmt.Errorf("%w: order %s gross=%s restaurant=%s driver=%s platform=%s taxes=%s processing=%s",
			ErrConservationViolated, b.OrderID, b.GrossTotal, b.RestaurantNet, b.DriverNet,
			b.PlatformNet, b.Taxes, b.ProcessingFee))
	}
}
