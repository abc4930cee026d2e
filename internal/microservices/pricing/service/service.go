package service

import (
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/microservices/pricing/repository"
)

type Service struct {
	PricingService PricingServiceInterface
}

func New(repo repository.Repository, lg *logger.Logger) *Service {
	return &Service{
		PricingService: NewPricingService(repo.PricingRepo, lg),
	}
}
