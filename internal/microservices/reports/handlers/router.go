package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router exposes read-only queries; nothing here moves money.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/orders/reconciliation", h.ListReconciliation)
		r.Get("/orders/{order_id}", h.GetOrder)
		r.Get("/orders/{order_id}/history", h.GetOrderHistory)

		r.Get("/ledger/orders/{order_id}/transactions", h.ListOrderTransactions)
		r.Get("/ledger/recipients/{recipient_id}/transactions", h.ListRecipientTransactions)
		r.Get("/ledger/dead-letters", h.ListDeadLetters)

		r.Get("/payouts/recipients/{recipient_id}/batches", h.ListBatches)
		r.Get("/payouts/batches/{batch_id}", h.GetBatch)

		r.Get("/reports/earnings", h.GetEarnings)
		r.Get("/reports/earnings/series", h.GetEarningsSeries)
		r.Get("/reports/recipients/{recipient_id}", h.GetRecipientEarnings)
	})
	return r
}
