package service

import (
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/microservices/ledger/repository"
)

type Service struct {
	LedgerService LedgerServiceInterface
}

func New(repo repository.Repository, processor Processor, cfg config.LedgerConfig, lg *logger.Logger) *Service {
	return &Service{
		LedgerService: NewLedgerService(repo.LedgerRepo, processor, cfg, lg),
	}
}
