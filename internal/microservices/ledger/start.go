package ledger

import (
	"context"

	"restaurant-payouts/internal/common/cronrunner"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/config"
	"restaurant-payouts/internal/microservices/ledger/service"
)

// RegisterJobs schedules the retry sweep for declined and stuck ledger entries.
func RegisterJobs(r *cronrunner.Runner, svc service.LedgerServiceInterface, cfg config.LedgerConfig) error {
	lg := logger.New("ledger-retry")
	_, err := r.Add("ledger_retry", cfg.RetrySpec, func(ctx context.Context) {
		n, err := svc.RetryFailed(ctx)
		if err != nil {
			lg.Error("ledger_retry_failed", err, nil)
			return
		}
		if n > 0 {
			lg.Info("ledger_retry_finished", map[string]any{"retried": n})
		}
	})
	return err
}
