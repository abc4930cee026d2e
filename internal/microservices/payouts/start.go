package payouts

import (
	"context"
	"fmt"

	"restaurant-payouts/internal/common/cronrunner"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/connections/rabbitmq"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/payouts/repository"
	"restaurant-payouts/internal/microservices/payouts/service"
)

// RegisterJobs schedules one sweep per payout frequency plus reconciliation of unknown dispatches.
func RegisterJobs(r *cronrunner.Runner, sched service.SchedulerInterface, cfg config.PayoutsConfig) error {
	lg := logger.New("payout-scheduler")
	specs := []struct {
		freq domain.PayoutFrequency
		spec string
	}{
		{domain.FrequencyInstant, cfg.InstantSpec},
		{domain.FrequencyDaily, cfg.DailySpec},
		{domain.FrequencyWeekly, cfg.WeeklySpec},
		{domain.FrequencyMonthly, cfg.MonthlySpec},
	}
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		if _, err := r.Add("payouts_"+string(s.freq), s.spec, func(ctx context.Context) {
			if _, err := sched.RunOnce(ctx, s.freq); err != nil {
				lg.Error("payout_run_failed", err, map[string]any{"frequency": s.freq})
			}
		}); err != nil {
			return fmt.Errorf("schedule %s payouts: %w", s.freq, err)
		}
	}
	if _, err := r.Add("payouts_reconcile", cfg.ReconcileSpec, func(ctx context.Context) {
		if _, err := sched.ReconcileUnknown(ctx); err != nil {
			lg.Error("payout_reconcile_failed", err, nil)
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	return nil
}

// StartConfirmations consumes the rail's answers until ctx is cancelled.
func StartConfirmations(ctx context.Context, rmq *rabbitmq.Client, sched service.SchedulerInterface,
	receipts repository.ReceiptRepositoryInterface, prefetch int) error {
	lg := logger.New("payout-confirmations")
	consumer := service.NewConfirmationConsumer(rmq, sched, receipts, prefetch, lg)
	return consumer.Run(ctx)
}
