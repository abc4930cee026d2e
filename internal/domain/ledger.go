package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RecipientRole string

const (
	RoleDriver     RecipientRole = "driver"
	RoleRestaurant RecipientRole = "restaurant"
	RolePlatform   RecipientRole = "platform"
)

// PlatformRecipientID is the ledger recipient for the platform's share.
const PlatformRecipientID = "platform"

type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxDeadLetter TransactionStatus = "dead_letter"
)

// SettlementTransaction is one recipient's share of one terminal transition.
// Only Status and the retry/batch bookkeeping change after creation.
type SettlementTransaction struct {
	ID            string            `json:"id"`
	OrderID       string            `json:"order_id"`
	EventType     OrderStatus       `json:"event_type"`
	RecipientID   string            `json:"recipient_id"`
	RecipientRole RecipientRole     `json:"recipient_role"`
	Gross         decimal.Decimal   `json:"gross"`
	Net           decimal.Decimal   `json:"net"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	ReversalOf    string            `json:"reversal_of,omitempty"`
	PricingVer    string            `json:"pricing_version,omitempty"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	BatchID       string            `json:"batch_id,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IdempotencyKey identifies the transaction set produced by one terminal transition.
func IdempotencyKey(orderID string, eventType OrderStatus) string {
	return orderID + ":" + string(eventType)
}

// Key is the per-row uniqueness key (orderId, eventType, recipient).
func (t SettlementTransaction) Key() string {
	return IdempotencyKey(t.OrderID, t.EventType) + ":" + string(t.RecipientRole) + ":" + t.RecipientID
}

// Payable reports whether the transaction may be consumed by a payout batch.
func (t SettlementTransaction) Payable() bool {
	return (t.Status == TxPending || t.Status == TxCompleted) && t.BatchID == "" && t.SettledAt == nil
}
