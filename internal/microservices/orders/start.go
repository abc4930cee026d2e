package orders

import (
	"context"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/microservices/orders/service"
)

// Start consumes order.status.* events until ctx is cancelled.
func Start(ctx context.Context, rmq *rabbitmq.Client, svc service.OrderServiceInterface, prefetch int) error {
	lg := logger.New("order-consumer")
	consumer := service.NewEventConsumer(rmq, svc, prefetch, lg)
	return consumer.Run(ctx)
}
