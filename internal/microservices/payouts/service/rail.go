package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/payouts/repository"
)

// Rail is the external payment rail. This service never moves funds itself.
type Rail interface {
	// Dispatch hands the request over. Only ErrPayoutDispatch means the rail certainly
	// does not have the request; any other error leaves the outcome unknown.
	Dispatch(ctx context.Context, req domain.PayoutRequest) (domain.RailReceipt, error)
	// Status returns the rail's record for the key, RailNotFound if it has none.
	Status(ctx context.Context, idempotencyKey string) (domain.RailReceipt, error)
}

// AMQPRail publishes payout requests to payouts_direct with publisher confirms. The rail
// answers on payout.confirmation; those answers are kept as receipts and serve Status.
type AMQPRail struct {
	pub      rabbitmq.Publisher
	receipts repository.ReceiptRepositoryInterface
	now      func() time.Time
}

func NewAMQPRail(pub rabbitmq.Publisher, receipts repository.ReceiptRepositoryInterface) *AMQPRail {
	return &AMQPRail{pub: pub, receipts: receipts, now: time.Now}
}

func (r *AMQPRail) Dispatch(ctx context.Context, req domain.PayoutRequest) (domain.RailReceipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.RailReceipt{}, fmt.Errorf("marshal payout request: %w", err)
	}
	headers := amqp.Table{
		"x-source":          "payouts",
		"x-idempotency-key": req.IdempotencyKey,
	}
	err = r.pub.Publish(ctx, rabbitmq.ExchangePayouts, rabbitmq.RoutingPayoutRequest, body, headers, "application/json", true)
	if err != nil {
		// once the frame is on the wire a cancelled wait or a dropped channel says nothing
		// about whether the broker took it
		if errors.Is(err, rabbitmq.ErrNacked) || errors.Is(err, rabbitmq.ErrNotPublished) {
			return domain.RailReceipt{}, fmt.Errorf("%w: %v", domain.ErrPayoutDispatch, err)
		}
		return domain.RailReceipt{}, fmt.Errorf("%w: %v", domain.ErrRailTimeout, err)
	}
	return domain.RailReceipt{
		IdempotencyKey: req.IdempotencyKey,
		BatchID:        req.BatchID,
		Status:         domain.RailAccepted,
		At:             r.now().UTC(),
	}, nil
}

func (r *AMQPRail) Status(ctx context.Context, key string) (domain.RailReceipt, error) {
	rc, err := r.receipts.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RailReceipt{IdempotencyKey: key, Status: domain.RailNotFound}, nil
	}
	return rc, err
}
