package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutFrequency string

const (
	FrequencyInstant PayoutFrequency = "instant"
	FrequencyDaily   PayoutFrequency = "daily"
	FrequencyWeekly  PayoutFrequency = "weekly"
	FrequencyMonthly PayoutFrequency = "monthly"
)

func (f PayoutFrequency) Valid() bool {
	switch f {
	case FrequencyInstant, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// PayoutPolicy decides when a recipient's pending balance becomes a batch.
type PayoutPolicy struct {
	RecipientID         string          `json:"recipient_id"`
	Role                RecipientRole   `json:"role"`
	Frequency           PayoutFrequency `json:"frequency"`
	MinimumPayout       decimal.Decimal `json:"minimum_payout"`
	FlushOnSchedule     bool            `json:"flush_on_schedule"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextAttemptAt       *time.Time      `json:"next_attempt_at,omitempty"`
	ManualReview        bool            `json:"manual_review"`
}

type BatchStatus string

const (
	BatchBuilt        BatchStatus = "built"
	BatchDispatched   BatchStatus = "dispatched"
	BatchUnknown      BatchStatus = "unknown"
	BatchConfirmed    BatchStatus = "confirmed"
	BatchFailed       BatchStatus = "failed"
	BatchManualReview BatchStatus = "manual_review"
)

type PayoutBatch struct {
	ID             string          `json:"id"`
	RecipientID    string          `json:"recipient_id"`
	RecipientRole  RecipientRole   `json:"recipient_role"`
	TransactionIDs []string        `json:"transaction_ids"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	Status         BatchStatus     `json:"status"`
	RailReference  string          `json:"rail_reference,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IdempotencyKey is handed to the rail so a resubmission is never paid twice.
func (b PayoutBatch) IdempotencyKey() string { return "payout:" + b.ID }

// PayoutRequest is what the payment rail receives.
type PayoutRequest struct {
	BatchID        string          `json:"batch_id"`
	RecipientID    string          `json:"recipient_id"`
	RecipientRole  RecipientRole   `json:"recipient_role"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
	RequestedAt    time.Time       `json:"requested_at"`
}

type RailStatus string

const (
	RailAccepted  RailStatus = "accepted"
	RailConfirmed RailStatus = "confirmed"
	RailRejected  RailStatus = "rejected"
	RailNotFound  RailStatus = "not_found"
)

// RailReceipt is the rail's own record of a payout request.
type RailReceipt struct {
	IdempotencyKey string     `json:"idempotency_key"`
	BatchID        string     `json:"batch_id"`
	Status         RailStatus `json:"status"`
	Reference      string     `json:"reference,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	At             time.Time  `json:"at"`
}
