package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/connections/rabbitmq"
	ledgerrepo "restaurant-payouts/internal/microservices/ledger/repository"
	ledgerservice "restaurant-payouts/internal/microservices/ledger/service"
	ordersrepo "restaurant-payouts/internal/microservices/orders/repository"
	ordersservice "restaurant-payouts/internal/microservices/orders/service"
	payoutsrepo "restaurant-payouts/internal/microservices/payouts/repository"
	payoutsservice "restaurant-payouts/internal/microservices/payouts/service"
	pricingrepo "restaurant-payouts/internal/microservices/pricing/repository"
	pricingservice "restaurant-payouts/internal/microservices/pricing/service"
	"restaurant-payouts/internal/microservices/reports/handlers"
	reportsservice "restaurant-payouts/internal/microservices/reports/service"
	settlementservice "restaurant-payouts/internal/microservices/settlement/service"
)

// Infra holds the open connections. Redis is optional: without it the payout lock is
// process-local and reports are not cached.
type Infra struct {
	DB    *pgxpool.Pool
	RMQ   *rabbitmq.Client
	Redis *goredis.Client
}

// Container is the wired service graph shared by every mode.
type Container struct {
	Pricing    *pricingservice.Service
	Ledger     *ledgerservice.Service
	Settlement *settlementservice.Service
	Orders     *ordersservice.Service
	Payouts    *payoutsservice.Service
	Receipts   payoutsrepo.ReceiptRepositoryInterface
	Reports    *reportsservice.Service
	HTTP       *handlers.Handler
}

func Build(ctx context.Context, cfg *config.Config, infra Infra) (*Container, error) {
	if infra.DB == nil || infra.RMQ == nil {
		return nil, fmt.Errorf("postgres and rabbitmq are required")
	}

	pricing := pricingservice.New(*pricingrepo.New(infra.DB), logger.New("pricing"))
	if err := pricingservice.Seed(ctx, pricing.PricingService, cfg.Pricing); err != nil {
		return nil, fmt.Errorf("seed pricing: %w", err)
	}

	processor := ledgerservice.NewBroadcastProcessor(infra.RMQ, 0)
	ledger := ledgerservice.New(*ledgerrepo.New(infra.DB), processor, cfg.Ledger, logger.New("ledger"))

	settlement := settlementservice.New(pricing.PricingService, ledger.LedgerService, logger.New("settlement"))
	orders := ordersservice.New(*ordersrepo.New(infra.DB), settlement.SettlementService, logger.New("orders"))

	prepo := payoutsrepo.New(infra.DB)
	policies, err := payoutsservice.NewPolicyStore(prepo.PolicyRepo, cfg.Payouts, logger.New("payout-policies"))
	if err != nil {
		return nil, err
	}
	var (
		locker payoutsservice.Locker = payoutsservice.NewLocalLocker()
		cache  reportsservice.Cache  = reportsservice.NopCache{}
	)
	if infra.Redis != nil {
		locker = payoutsservice.NewRedisLocker(infra.Redis, cfg.Redis.LockTTL)
		cache = reportsservice.NewRedisCache(infra.Redis)
	}
	rail := payoutsservice.NewAMQPRail(infra.RMQ, prepo.ReceiptRepo)
	scheduler := payoutsservice.NewScheduler(ledger.LedgerService, prepo.BatchRepo, policies, locker, rail,
		cfg.Payouts, logger.New("payouts"))
	settlement.SettlementService.SetInstantPayouts(scheduler)

	agg := reportsservice.NewAggregator(ledger.LedgerService, cache, cfg.Redis.ReportTTL, cfg.Payouts.Currency, logger.New("reports"))

	checks := map[string]handlers.Pinger{
		"postgres": infra.DB.Ping,
		"rabbitmq": func(context.Context) error { return infra.RMQ.Ping() },
	}
	if infra.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return infra.Redis.Ping(ctx).Err() }
	}

	return &Container{
		Pricing:    pricing,
		Ledger:     ledger,
		Settlement: settlement,
		Orders:     orders,
		Payouts:    payoutsservice.New(scheduler, policies),
		Receipts:   prepo.ReceiptRepo,
		Reports:    reportsservice.New(agg),
		HTTP: handlers.New(ledger.LedgerService, orders.OrderService, scheduler, agg, checks,
			logger.New("reporting-api")),
	}, nil
}
