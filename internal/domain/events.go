package domain

import "time"

// OrderStatusMessage arrives on orders_topic with routing key order.status.<event>.
type OrderStatusMessage struct {
	MessageID  string      `json:"message_id"`
	Order      OrderEvent  `json:"order"`
	FromStatus OrderStatus `json:"from_status"`
	Event      string      `json:"event"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// PayoutConfirmationMessage is the rail's asynchronous answer to a PayoutRequest.
type PayoutConfirmationMessage struct {
	BatchID        string     `json:"batch_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         RailStatus `json:"status"`
	Reference      string     `json:"reference,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// SettlementRecordedMessage is broadcast on settlements_fanout when a ledger entry is processed.
type SettlementRecordedMessage struct {
	Transaction SettlementTransaction `json:"transaction"`
	RecordedAt  time.Time             `json:"recorded_at"`
}
