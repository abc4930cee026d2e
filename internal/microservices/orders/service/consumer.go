package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/domain"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// EventConsumer drives the state machine from order.status.* messages.
type EventConsumer struct {
	rmq    *rabbitmq.Client
	orders OrderServiceInterface
	lg     *logger.Logger

	Queue       string
	ConsumerTag string
	Prefetch    int
}

func NewEventConsumer(rmq *rabbitmq.Client, orders OrderServiceInterface, prefetch int, lg *logger.Logger) *EventConsumer {
	if lg == nil {
		lg = logger.Nop()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &EventConsumer{
		rmq:         rmq,
		orders:      orders,
		lg:          lg,
		Queue:       rabbitmq.QueueOrderEvents,
		ConsumerTag: "settlement-order-events",
		Prefetch:    prefetch,
	}
}

func (c *EventConsumer) Run(ctx context.Context) error {
	if strings.TrimSpace(c.Queue) == "" {
		return fmt.Errorf("queue name is empty")
	}
	consCh, msgs, err := c.rmq.Consume(c.Queue, c.ConsumerTag, c.Prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.Queue, err)
	}
	defer consCh.Close()

	// Диагностика закрытий канала/консюмера
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
			err := c.Handle(ctx, d.Body, d.Redelivered)
			switch {
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

// Handle maps one message to ack (nil), requeue (ErrRequeue) or dead-letter (ErrDLQ).
func (c *EventConsumer) Handle(ctx context.Context, body []byte, redelivered bool) error {
	var msg domain.OrderStatusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.lg.Warn("order_event_malformed", map[string]any{"error": err.Error()})
		return ErrDLQ
	}
	if msg.Order.OrderID == "" || msg.Event == "" || msg.FromStatus == "" {
		c.lg.Warn("order_event_incomplete", map[string]any{"message_id": msg.MessageID})
		return ErrDLQ
	}

	fields := map[string]any{
		"message_id": msg.MessageID, "order_id": msg.Order.OrderID,
		"from": msg.FromStatus, "event": msg.Event,
	}
	to, err := c.orders.Transition(ctx, msg.Order, msg.FromStatus, msg.Event)
	switch {
	case err == nil:
		fields["to"] = to
		c.lg.Debug("order_event_processed", fields)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		// state unchanged; nothing to retry
		return nil
	case errors.Is(err, domain.ErrCalculation):
		// flagged for manual reconciliation by the state machine
		return nil
	case errors.Is(err, domain.ErrConcurrentTransition):
		if redelivered {
			c.lg.Warn("order_event_conflict_dead_lettered", fields)
			return ErrDLQ
		}
		return ErrRequeue
	default:
		c.lg.Error("order_event_failed", err, fields)
		return ErrRequeue
	}
}
