package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/domain"
)

// BuildTransactions turns a breakdown into the ledger rows of one terminal transition.
// Summed nets plus taxes and processing equal the breakdown's gross total.
func BuildTransactions(b domain.SettlementBreakdown, o domain.OrderEvent, now time.Time) []domain.SettlementTransaction {
	row := func(role domain.RecipientRole, recipient string, gross, net decimal.Decimal) domain.SettlementTransaction {
		return domain.SettlementTransaction{
			ID:            uuid.NewString(),
			OrderID:       b.OrderID,
			EventType:     b.EventType,
			RecipientID:   recipient,
			RecipientRole: role,
			Gross:         gross,
			Net:           net,
			Currency:      b.Currency,
			Status:        domain.TxPending,
			PricingVer:    b.PricingVersion,
			CreatedAt:     now,
		}
	}

	out := []domain.SettlementTransaction{
		row(domain.RoleRestaurant, o.RestaurantID, b.RestaurantNet.Add(b.Commission), b.RestaurantNet),
	}
	if o.Kind == domain.KindDelivery {
		out = append(out, row(domain.RoleDriver, o.DriverID, b.DriverNet, b.DriverNet))
	}
	// the platform collects taxes and processing on behalf of third parties
	platformGross := domain.SumMoney(b.PlatformNet, b.Taxes, b.ProcessingFee)
	out = append(out, row(domain.RolePlatform, domain.PlatformRecipientID, platformGross, b.PlatformNet))
	return out
}

// BuildReversals negates every forward entry of the order that has not been reversed yet.
func BuildReversals(existing []domain.SettlementTransaction, eventType domain.OrderStatus, now time.Time) []domain.SettlementTransaction {
	reversed := map[string]bool{}
	for _, t := range existing {
		if t.ReversalOf != "" {
			reversed[t.ReversalOf] = true
		}
	}
	var out []domain.SettlementTransaction
	for _, t := range existing {
		if t.ReversalOf != "" || t.EventType.IsReversal() || reversed[t.ID] {
			continue
		}
		out = append(out, domain.SettlementTransaction{
			ID:            uuid.NewString(),
			OrderID:       t.OrderID,
			EventType:     eventType,
			RecipientID:   t.RecipientID,
			RecipientRole: t.RecipientRole,
			Gross:         t.Gross.Neg(),
			Net:           t.Net.Neg(),
			Currency:      t.Currency,
			Status:        domain.TxPending,
			ReversalOf:    t.ID,
			PricingVer:    t.PricingVer,
			CreatedAt:     now,
		})
	}
	return out
}
