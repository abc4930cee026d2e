package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/payouts/repository"
)

var (
	ErrRequeue = errors.New("requeue")
	ErrDLQ     = errors.New("dead_letter")
)

// ConfirmationConsumer applies the rail's answers from payouts.confirmations.
type ConfirmationConsumer struct {
	rmq       *rabbitmq.Client
	scheduler SchedulerInterface
	receipts  repository.ReceiptRepositoryInterface
	lg        *logger.Logger

	Queue       string
	ConsumerTag string
	Prefetch    int
}

func NewConfirmationConsumer(rmq *rabbitmq.Client, scheduler SchedulerInterface, receipts repository.ReceiptRepositoryInterface,
	prefetch int, lg *logger.Logger) *ConfirmationConsumer {
	if lg == nil {
		lg = logger.Nop()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &ConfirmationConsumer{
		rmq:         rmq,
		scheduler:   scheduler,
		receipts:    receipts,
		lg:          lg,
		Queue:       rabbitmq.QueuePayoutConfirms,
		ConsumerTag: "payouts-confirmations",
		Prefetch:    prefetch,
	}
}

func (c *ConfirmationConsumer) Run(ctx context.Context) error {
	if strings.TrimSpace(c.Queue) == "" {
		return fmt.Errorf("queue name is empty")
	}
	consCh, msgs, err := c.rmq.Consume(c.Queue, c.ConsumerTag, c.Prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.Queue, err)
	}
	defer consCh.Close()

	closeCh := consCh.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if e := <-closeCh; e != nil {
			c.lg.Error("amqp_channel_closed", e, map[string]any{"code": e.Code, "queue": c.Queue})
		}
	}()

	c.lg.Info("consumer_started", map[string]any{"queue": c.Queue, "prefetch": c.Prefetch})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range msgs {
			switch err := c.Handle(ctx, d.Body); {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, ErrDLQ):
				_ = d.Nack(false, false)
			default:
				_ = d.Nack(false, true)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
		return fmt.Errorf("delivery channel closed for %s", c.Queue)
	}
	c.lg.Info("graceful_shutdown", map[string]any{"queue": c.Queue})
	_ = consCh.Cancel(c.ConsumerTag, false)
	<-done
	return nil
}

// Handle records the receipt first, so reconciliation sees the rail's answer even if
// applying it to the batch fails and is retried.
func (c *ConfirmationConsumer) Handle(ctx context.Context, body []byte) error {
	var msg domain.PayoutConfirmationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.lg.Warn("payout_confirmation_malformed", map[string]any{"error": err.Error()})
		return ErrDLQ
	}
	if msg.BatchID == "" {
		c.lg.Warn("payout_confirmation_incomplete", nil)
		return ErrDLQ
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = domain.PayoutBatch{ID: msg.BatchID}.IdempotencyKey()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	fields := map[string]any{"batch_id": msg.BatchID, "status": msg.Status}

	if err := c.receipts.Save(ctx, domain.RailReceipt{
		IdempotencyKey: msg.IdempotencyKey,
		BatchID:        msg.BatchID,
		Status:         msg.Status,
		Reference:      msg.Reference,
		Reason:         msg.Reason,
		At:             msg.OccurredAt,
	}); err != nil {
		c.lg.Error("payout_receipt_save_failed", err, fields)
		return ErrRequeue
	}

	var err error
	switch msg.Status {
	case domain.RailConfirmed:
		err = c.scheduler.ConfirmBatch(ctx, msg.BatchID, msg.Reference)
	case domain.RailRejected:
		err = c.scheduler.FailBatch(ctx, msg.BatchID, msg.Reason)
	case domain.RailAccepted:
		return nil
	default:
		c.lg.Warn("payout_confirmation_unknown_status", fields)
		return ErrDLQ
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBatchFinal):
		c.lg.Warn("payout_confirmation_conflict", fields)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		c.lg.Warn("payout_confirmation_unknown_batch", fields)
		return ErrDLQ
	default:
		c.lg.Error("payout_confirmation_failed", err, fields)
		return ErrRequeue
	}
}
