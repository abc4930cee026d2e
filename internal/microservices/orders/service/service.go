package service

import (
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/microservices/orders/repository"
)

type Service struct {
	OrderService OrderServiceInterface
}

func New(repo repository.Repository, settler Settler, lg *logger.Logger) *Service {
	return &Service{
		OrderService: NewOrderService(repo.OrderRepo, settler, lg),
	}
}
