package reports

import (
	"context"
	"fmt"

	"restaurant-payouts/internal/common/httpx"
	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/microservices/reports/handlers"
)

// Start serves the read-only API on port until ctx is cancelled.
func Start(ctx context.Context, port int, h *handlers.Handler) error {
	lg := logger.New("reporting-api")
	srv := httpx.New(fmt.Sprintf(":%d", port), handlers.Router(h))
	lg.Info("http_listening", map[string]any{"port": port})
	return srv.Run(ctx)
}
