package service

import (
	"restaurant-payouts/internal/common/logger"
)

type Service struct {
	SettlementService *SettlementService
}

func New(pricing PricingSource, ledger Ledger, lg *logger.Logger) *Service {
	return &Service{
		SettlementService: NewSettlementService(NewCalculator(), pricing, ledger, nil, lg),
	}
}
