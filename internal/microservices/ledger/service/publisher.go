package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/domain"
)

// BroadcastProcessor completes an entry once downstream consumers have it: the entry is
// published on the settlements fanout and a broker NACK counts as a decline.
type BroadcastProcessor struct {
	pub     rabbitmq.Publisher
	timeout time.Duration
}

func NewBroadcastProcessor(pub rabbitmq.Publisher, timeout time.Duration) *BroadcastProcessor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BroadcastProcessor{pub: pub, timeout: timeout}
}

func (p *BroadcastProcessor) Process(ctx context.Context, tx domain.SettlementTransaction) error {
	body, err := json.Marshal(domain.SettlementRecordedMessage{
		Transaction: tx,
		RecordedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal settlement message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	headers := amqp.Table{
		"x-source":          "ledger",
		"x-idempotency-key": tx.Key(),
	}
	return p.pub.Publish(ctx, rabbitmq.ExchangeSettlements, "", body, headers, "application/json", true)
}
