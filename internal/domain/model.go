package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderKind string

const (
	KindDelivery    OrderKind = "delivery"
	KindReservation OrderKind = "reservation"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusPreparing OrderStatus = "preparing"
	StatusSeated    OrderStatus = "seated"
	StatusReady     OrderStatus = "ready"
	StatusInTransit OrderStatus = "in_transit"
	StatusCompleted OrderStatus = "completed"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
	StatusRefunded  OrderStatus = "refunded"
	StatusNoShow    OrderStatus = "no_show"
)

// IsTerminal reports whether entering s triggers settlement.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDelivered, StatusCancelled, StatusRefunded, StatusNoShow:
		return true
	}
	return false
}

// IsReversal reports whether s undoes an earlier settlement.
func (s OrderStatus) IsReversal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OrderEvent is the upstream view of an order or reservation. This core only reads it.
type OrderEvent struct {
	OrderID      string           `json:"order_id"`
	Kind         OrderKind        `json:"kind"`
	Status       OrderStatus      `json:"status"`
	RestaurantID string           `json:"restaurant_id"`
	DriverID     string           `json:"driver_id,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	Subtotal     decimal.Decimal  `json:"subtotal"`
	Tip          decimal.Decimal  `json:"tip"`
	Tax          *decimal.Decimal `json:"tax,omitempty"` // nil means "apply the configured tax rate"
	DistanceMi   decimal.Decimal  `json:"distance_miles"`
	DurationMin  decimal.Decimal  `json:"duration_minutes"`
	PartySize    int              `json:"party_size,omitempty"`
	Weather      string           `json:"weather,omitempty"`
	DemandRatio  decimal.Decimal  `json:"demand_ratio"`
	Location     Location         `json:"location"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// TaxAmount is the tax the upstream reported, zero when it reported none.
func (o OrderEvent) TaxAmount() decimal.Decimal {
	if o.Tax == nil {
		return decimal.Zero
	}
	return *o.Tax
}

// PricedAt is the instant used to pick the pricing snapshot and peak rules.
func (o OrderEvent) PricedAt() time.Time {
	if !o.CompletedAt.IsZero() {
		return o.CompletedAt
	}
	return o.CreatedAt
}

func (o OrderEvent) Validate() error {
	if strings.TrimSpace(o.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrCalculation)
	}
	if o.Kind != KindDelivery && o.Kind != KindReservation {
		return fmt.Errorf("%w: unknown order kind %q", ErrCalculation, o.Kind)
	}
	if strings.TrimSpace(o.RestaurantID) == "" {
		return fmt.Errorf("%w: restaurant id is required", ErrCalculation)
	}
	if o.PricedAt().IsZero() {
		return fmt.Errorf("%w: order has no timestamp", ErrCalculation)
	}
	for name, v := range map[string]decimal.Decimal{
		"subtotal": o.Subtotal, "tip": o.Tip, "tax": o.TaxAmount(),
		"distance": o.DistanceMi, "duration": o.DurationMin,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative %s", ErrCalculation, name)
		}
	}
	if o.Kind == KindDelivery && strings.TrimSpace(o.DriverID) == "" {
		return fmt.Errorf("%w: delivery without driver", ErrCalculation)
	}
	if o.Kind == KindReservation && o.PartySize <= 0 {
		return fmt.Errorf("%w: reservation party size must be positive", ErrCalculation)
	}
	return nil
}

// OrderState is the state machine's record of an order.
type OrderState struct {
	OrderID             string      `json:"order_id"`
	Kind                OrderKind   `json:"kind"`
	Status              OrderStatus `json:"status"`
	Version             int64       `json:"version"`
	SettledStatus       OrderStatus `json:"settled_status,omitempty"`
	NeedsReconciliation bool        `json:"needs_reconciliation"`
	ReconcileReason     string      `json:"reconcile_reason,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TransitionRecord is one row of the order transition log.
type TransitionRecord struct {
	OrderID    string      `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Event      string      `json:"event"`
	Version    int64       `json:"version"`
	ChangedAt  time.Time   `json:"changed_at"`
}
