package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EarningsReport is derived from the ledger and never a source of truth.
type EarningsReport struct {
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	Currency        string          `json:"currency"`
	Orders          int             `json:"orders"`
	GrossBookings   decimal.Decimal `json:"gross_bookings"`
	RestaurantNet   decimal.Decimal `json:"restaurant_net"`
	DriverNet       decimal.Decimal `json:"driver_net"`
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
	PlatformExpense decimal.Decimal `json:"platform_expense"`
	Margin          decimal.Decimal `json:"margin"`
	MarginRate      decimal.Decimal `json:"margin_rate"`
	Reversals       decimal.Decimal `json:"reversals"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// RecipientEarnings rolls up one recipient's ledger entries in a period.
type RecipientEarnings struct {
	RecipientID  string          `json:"recipient_id"`
	Role         RecipientRole   `json:"role"`
	Gross        decimal.Decimal `json:"gross"`
	Net          decimal.Decimal `json:"net"`
	Settled      decimal.Decimal `json:"settled"`
	Outstanding  decimal.Decimal `json:"outstanding"`
	Transactions int             `json:"transactions"`
}
