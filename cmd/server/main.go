package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"restaurant-payouts/internal/app"
	"restaurant-payouts/internal/common/cronrunner"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/connections/database"
	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/connections/redis"
	"restaurant-payouts/internal/microservices/ledger"
	"restaurant-payouts/internal/microservices/orders"
	"restaurant-payouts/internal/microservices/payouts"
	"restaurant-payouts/internal/microservices/reports"
)

const modes = "all | order-consumer | payout-scheduler | reporting-api | confirmation-consumer"

func main() {
	mode := flag.String("mode", "all", modes)
	cfgPath := flag.String("config", "config.yaml", "path to YAML config")
	port := flag.Int("port", 0, "reporting-api: http port (overrides http.port)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Configure(cfg.Log.Level)
	lg := logger.New("bootstrap")
	defer lg.Sync()
	if *port != 0 {
		cfg.HTTP.Port = *port
	}

	switch *mode {
	case "all", "order-consumer", "payout-scheduler", "reporting-api", "confirmation-consumer":
	default:
		fmt.Fprintln(os.Stderr, "--mode must be one of: "+modes)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *mode, cfg, lg); err != nil {
		lg.Error("fatal", err, map[string]any{"mode": *mode})
		os.Exit(1)
	}
	lg.Info("service_stopped", map[string]any{"mode": *mode})
}

func run(ctx context.Context, mode string, cfg *config.Config, lg *logger.Logger) error {
	pool, err := database.ConnectDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	lg.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Database})

	rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology(); err != nil {
		return err
	}
	lg.Info("rabbitmq_connected", map[string]any{"host": cfg.RabbitMQ.Host, "vhost": cfg.RabbitMQ.VHost})

	var rdb *goredis.Client
	if cfg.Redis.URL != "" {
		rdb, err = redis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		lg.Info("redis_connected", nil)
	} else {
		lg.Warn("redis_disabled", map[string]any{"lock": "local", "report_cache": "off"})
	}

	c, err := app.Build(ctx, cfg, app.Infra{DB: pool, RMQ: rmq, Redis: rdb})
	if err != nil {
		return err
	}

	want := func(m string) bool { return mode == "all" || mode == m }
	g, gctx := errgroup.WithContext(ctx)

	if want("order-consumer") {
		g.Go(func() error { return orders.Start(gctx, rmq, c.Orders.OrderService, cfg.RabbitMQ.Prefetch) })
	}
	if want("confirmation-consumer") {
		g.Go(func() error {
			return payouts.StartConfirmations(gctx, rmq, c.Payouts.Scheduler, c.Receipts, cfg.RabbitMQ.Prefetch)
		})
	}
	if want("payout-scheduler") {
		runner := cronrunner.New(logger.New("cron"), gctx)
		if err := ledger.RegisterJobs(runner, c.Ledger.LedgerService, cfg.Ledger); err != nil {
			return err
		}
		if err := payouts.RegisterJobs(runner, c.Payouts.Scheduler, cfg.Payouts); err != nil {
			return err
		}
		runner.Start()
		g.Go(func() error {
			<-gctx.Done()
			runner.Stop()
			return nil
		})
	}
	if want("reporting-api") {
		g.Go(func() error { return reports.Start(gctx, cfg.HTTP.Port, c.HTTP) })
	}

	lg.Info("service_started", map[string]any{"mode": mode})
	return g.Wait()
}
